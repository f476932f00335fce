package event

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedEvent is returned when a payload does not match the event schema.
var ErrMalformedEvent = errors.New("malformed event")

// Parse decodes a decrypted callback into a RobotEvent. Every field the
// resolved variant requires must be present and non-null, including inside
// optional containers that are present.
func Parse(raw []byte) (*RobotEvent, error) {
	root, err := readObject(raw, "")
	if err != nil {
		return nil, err
	}

	kindStr := root.str("eventType")
	if root.err != nil {
		return nil, root.err
	}
	if !Kind(kindStr).known() {
		return nil, fmt.Errorf("%w: unsupported event type %q", ErrMalformedEvent, kindStr)
	}

	data := root.child("eventData")
	if root.err != nil {
		return nil, root.err
	}

	ev := &RobotEvent{kind: Kind(kindStr), raw: string(raw)}

	switch ev.kind {
	case KindP2PMessage:
		ev.p2pMessage = parseP2PMessage(data)
	case KindGroupAt:
		ev.groupAt = parseGroupAt(data)
	case KindP2PRecall:
		ev.p2pRecall = &P2PRecall{
			RecallTime:  data.str("recallTime"),
			SessionType: data.integer("sessionType"),
			SessionID:   data.str("sessionId"),
			UUID:        data.str("uuid"),
		}
	case KindGroupRecallAt:
		ev.groupRecallAt = &GroupRecallAt{
			UUID:    data.str("uuid"),
			AddTime: data.str("addtime"),
			From:    data.str("from"),
			To:      data.str("to"),
		}
	default:
		return nil, fmt.Errorf("%w: unsupported event type %q", ErrMalformedEvent, kindStr)
	}

	if data.err != nil {
		return nil, data.err
	}
	return ev, nil
}

func parseP2PMessage(d *object) *P2PMessage {
	m := &P2PMessage{
		MsgType:     d.integer("msgType"),
		AddTime:     d.str("addtime"),
		SessionType: d.integer("sessionType"),
		RobotIDs:    d.stringList("robotIds"),
		From:        d.str("from"),
		To:          d.str("to"),
		SessionID:   d.str("sessionId"),
		UUID:        d.str("uuid"),
		Notify:      d.str("notify"),
		MergeTitle:  d.optionalStr("mergeTitle"),
	}

	if d.has("quoteInfo") {
		q := d.child("quoteInfo")
		m.QuoteInfo = &QuoteInfo{
			FileName:     q.optionalStr("fileName"),
			FileID:       q.optionalStr("fileId"),
			FromUserName: q.str("fromUserName"),
			ReplyText:    q.str("replyText"),
			AddTime:      q.str("addtime"),
			From:         q.str("from"),
			UUID:         q.str("uuid"),
			Notify:       q.str("notify"),
		}
		d.adopt(q)
	}

	if d.has("fileInfo") {
		f := d.child("fileInfo")
		m.FileInfo = &FileInfo{
			Size:   f.long("size"),
			Name:   f.str("name"),
			FileID: f.str("fileId"),
			MD5:    f.str("md5"),
		}
		d.adopt(f)
	}

	if d.has("videoInfo") {
		v := d.child("videoInfo")
		m.VideoInfo = &VideoInfo{
			CoverURL: v.str("coverUrl"),
			FileName: v.str("fileName"),
			Size:     v.long("size"),
			Format:   v.str("format"),
			Width:    v.integer("width"),
			URL:      v.str("url"),
			Height:   v.integer("height"),
			MD5:      v.str("md5"),
		}
		d.adopt(v)
	}

	if d.has("mergeList") {
		for _, item := range d.children("mergeList") {
			m.MergeList = append(m.MergeList, MergeListItem{
				MsgType:     item.integer("msgType"),
				AddTime:     item.str("addtime"),
				SessionType: item.integer("sessionType"),
				From:        item.str("from"),
				To:          item.str("to"),
				SessionID:   item.str("sessionId"),
				UUID:        item.str("uuid"),
				Notify:      item.str("notify"),
			})
			d.adopt(item)
		}
	}

	return m
}

func parseGroupAt(d *object) *GroupAtMessage {
	return &GroupAtMessage{
		MsgType:     d.integer("msgType"),
		SessionID:   d.str("sessionId"),
		UUID:        d.str("uuid"),
		Notify:      d.str("notify"),
		AddTime:     d.str("addtime"),
		SessionType: d.integer("sessionType"),
		From:        d.str("from"),
		To:          d.str("to"),
		AtType:      d.integer("atType"),
		AtList:      d.stringList("atList"),
	}
}

// object reads fields out of one JSON object, keeping the first error so the
// call sites can stay linear.
type object struct {
	path   string
	fields map[string]json.RawMessage
	err    error
}

func readObject(raw []byte, path string) (*object, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		where := path
		if where == "" {
			where = "payload"
		}
		if err == nil {
			err = errors.New("null")
		}
		return nil, fmt.Errorf("%w: %s is not a JSON object: %v", ErrMalformedEvent, where, err)
	}
	return &object{path: path, fields: fields}, nil
}

func (o *object) fieldPath(name string) string {
	if o.path == "" {
		return name
	}
	return o.path + "." + name
}

func (o *object) fail(err error) {
	if o.err == nil {
		o.err = err
	}
}

// adopt carries a nested object's error up to its parent.
func (o *object) adopt(child *object) {
	if child != nil && child.err != nil {
		o.fail(child.err)
	}
}

func (o *object) has(name string) bool {
	_, ok := o.fields[name]
	return ok
}

// required returns the raw value for name, or nil after recording an error
// when it is missing or null.
func (o *object) required(name string) json.RawMessage {
	if o.fields == nil {
		return nil
	}
	value, ok := o.fields[name]
	if !ok || string(value) == "null" {
		o.fail(fmt.Errorf("%w: missing required field %s", ErrMalformedEvent, o.fieldPath(name)))
		return nil
	}
	return value
}

func (o *object) decode(name string, value json.RawMessage, dst any) {
	if err := json.Unmarshal(value, dst); err != nil {
		o.fail(fmt.Errorf("%w: field %s: %v", ErrMalformedEvent, o.fieldPath(name), err))
	}
}

func (o *object) str(name string) string {
	var s string
	if value := o.required(name); value != nil {
		o.decode(name, value, &s)
	}
	return s
}

func (o *object) optionalStr(name string) *string {
	value, ok := o.fields[name]
	if !ok || string(value) == "null" {
		return nil
	}
	var s string
	o.decode(name, value, &s)
	return &s
}

func (o *object) integer(name string) int {
	var n int
	if value := o.required(name); value != nil {
		o.decode(name, value, &n)
	}
	return n
}

func (o *object) long(name string) int64 {
	var n int64
	if value := o.required(name); value != nil {
		o.decode(name, value, &n)
	}
	return n
}

func (o *object) stringList(name string) []string {
	var list []string
	if value := o.required(name); value != nil {
		o.decode(name, value, &list)
	}
	return list
}

func (o *object) child(name string) *object {
	value := o.required(name)
	if value == nil {
		return &object{path: o.fieldPath(name)}
	}
	child, err := readObject(value, o.fieldPath(name))
	if err != nil {
		o.fail(err)
		return &object{path: o.fieldPath(name)}
	}
	return child
}

func (o *object) children(name string) []*object {
	value := o.required(name)
	if value == nil {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(value, &items); err != nil {
		o.fail(fmt.Errorf("%w: field %s: %v", ErrMalformedEvent, o.fieldPath(name), err))
		return nil
	}
	out := make([]*object, 0, len(items))
	for i, item := range items {
		child, err := readObject(item, fmt.Sprintf("%s[%d]", o.fieldPath(name), i))
		if err != nil {
			o.fail(err)
			continue
		}
		out = append(out, child)
	}
	return out
}
