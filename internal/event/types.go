// Package event models the callback events POPO delivers to a robot.
package event

// Kind identifies which variant a RobotEvent carries.
type Kind string

// Event kinds supported by the parser.
const (
	KindP2PMessage    Kind = "IM_P2P_TO_ROBOT_MSG"
	KindGroupAt       Kind = "IM_CHAT_TO_ROBOT_AT_MSG"
	KindP2PRecall     Kind = "IM_P2P_USER_RECALL_MSG"
	KindGroupRecallAt Kind = "IM_CHAT_USER_RECALL_AT_MSG"
)

func (k Kind) known() bool {
	switch k {
	case KindP2PMessage, KindGroupAt, KindP2PRecall, KindGroupRecallAt:
		return true
	default:
		return false
	}
}

// IsMessage reports whether the kind carries user text addressed to the robot.
func (k Kind) IsMessage() bool {
	return k == KindP2PMessage || k == KindGroupAt
}

// RobotEvent is one decrypted callback. Exactly one variant is set, and it is
// the one Kind selects.
type RobotEvent struct {
	kind          Kind
	p2pMessage    *P2PMessage
	groupAt       *GroupAtMessage
	p2pRecall     *P2PRecall
	groupRecallAt *GroupRecallAt
	raw           string
}

func (e *RobotEvent) Kind() Kind { return e.kind }

// Raw returns the decrypted payload exactly as it was received.
func (e *RobotEvent) Raw() string { return e.raw }

func (e *RobotEvent) P2PMessage() (*P2PMessage, bool) {
	return e.p2pMessage, e.p2pMessage != nil
}

func (e *RobotEvent) GroupAt() (*GroupAtMessage, bool) {
	return e.groupAt, e.groupAt != nil
}

func (e *RobotEvent) P2PRecall() (*P2PRecall, bool) {
	return e.p2pRecall, e.p2pRecall != nil
}

func (e *RobotEvent) GroupRecallAt() (*GroupRecallAt, bool) {
	return e.groupRecallAt, e.groupRecallAt != nil
}

// Message returns the fields shared by both message variants. ok is false for
// recall events.
func (e *RobotEvent) Message() (Message, bool) {
	switch e.kind {
	case KindP2PMessage:
		m := e.p2pMessage
		return Message{
			From:      m.From,
			To:        m.To,
			SessionID: m.SessionID,
			UUID:      m.UUID,
			Notify:    m.Notify,
			AddTime:   m.AddTime,
			BotID:     m.To,
		}, true
	case KindGroupAt:
		m := e.groupAt
		bot := m.To
		if len(m.AtList) > 0 {
			bot = m.AtList[0]
		}
		return Message{
			From:      m.From,
			To:        m.To,
			SessionID: m.SessionID,
			UUID:      m.UUID,
			Notify:    m.Notify,
			AddTime:   m.AddTime,
			BotID:     bot,
		}, true
	default:
		return Message{}, false
	}
}

// Message is the variant-independent view of a message event.
type Message struct {
	From      string
	To        string
	SessionID string
	UUID      string
	Notify    string
	AddTime   string
	// BotID is the robot account the message was addressed to.
	BotID string
}

// P2PMessage is a direct message from a user to the robot.
type P2PMessage struct {
	MsgType     int
	AddTime     string
	SessionType int
	RobotIDs    []string
	From        string
	To          string
	SessionID   string
	UUID        string
	Notify      string

	// Present only for the message types that carry them.
	QuoteInfo  *QuoteInfo
	FileInfo   *FileInfo
	VideoInfo  *VideoInfo
	MergeList  []MergeListItem
	MergeTitle *string
}

// QuoteInfo describes the message a reply quotes.
type QuoteInfo struct {
	FileName     *string
	FileID       *string
	FromUserName string
	ReplyText    string
	AddTime      string
	From         string
	UUID         string
	Notify       string
}

type FileInfo struct {
	Size   int64
	Name   string
	FileID string
	MD5    string
}

type VideoInfo struct {
	CoverURL string
	FileName string
	Size     int64
	Format   string
	Width    int
	URL      string
	Height   int
	MD5      string
}

// MergeListItem is one message inside a forwarded bundle.
type MergeListItem struct {
	MsgType     int
	AddTime     string
	SessionType int
	From        string
	To          string
	SessionID   string
	UUID        string
	Notify      string
}

// GroupAtMessage is a group message that mentions the robot.
type GroupAtMessage struct {
	MsgType     int
	SessionID   string
	UUID        string
	Notify      string
	AddTime     string
	SessionType int
	From        string
	To          string
	AtType      int
	AtList      []string
}

// P2PRecall reports that a user retracted a direct message.
type P2PRecall struct {
	RecallTime  string
	SessionType int
	SessionID   string
	UUID        string
}

// GroupRecallAt reports that a user retracted a group mention.
type GroupRecallAt struct {
	UUID    string
	AddTime string
	From    string
	To      string
}
