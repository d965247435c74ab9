package matrix

import (
	"encoding/json"
)

// Event types the bot reads or writes.
const (
	EventTypeMessage        = "m.room.message"
	EventTypeMember         = "m.room.member"
	EventTypePowerLevels    = "m.room.power_levels"
	EventTypeCreate         = "m.room.create"
	EventTypeName           = "m.room.name"
	EventTypeCanonicalAlias = "m.room.canonical_alias"
)

// Membership values of m.room.member.
const (
	MembershipJoin   = "join"
	MembershipLeave  = "leave"
	MembershipBan    = "ban"
	MembershipInvite = "invite"
	MembershipKnock  = "knock"
)

// Message types.
const (
	MsgText   = "m.text"
	MsgNotice = "m.notice"
	MsgImage  = "m.image"
)

// RoomTypeSpace is the m.room.create "type" of a space.
const RoomTypeSpace = "m.space"

// Event is a client-format Matrix event as delivered by /sync.
type Event struct {
	EventID        string          `json:"event_id"`
	Type           string          `json:"type"`
	Sender         string          `json:"sender"`
	OriginServerTS int64           `json:"origin_server_ts"`
	Content        json.RawMessage `json:"content"`
	RoomID         string          `json:"room_id,omitempty"`
	StateKey       *string         `json:"state_key,omitempty"`
	Unsigned       *Unsigned       `json:"unsigned,omitempty"`
}

// Unsigned holds server-added data that is not part of the signed event.
type Unsigned struct {
	Age             int64           `json:"age,omitempty"`
	TransactionID   string          `json:"transaction_id,omitempty"`
	PrevContent     json.RawMessage `json:"prev_content,omitempty"`
	RedactedBecause json.RawMessage `json:"redacted_because,omitempty"`
}

// StateKeyValue returns the state key or "" for non-state events.
func (e *Event) StateKeyValue() string {
	if e.StateKey == nil {
		return ""
	}
	return *e.StateKey
}

// IsRedacted reports whether the server has already redacted the event.
func (e *Event) IsRedacted() bool {
	return e.Unsigned != nil && len(e.Unsigned.RedactedBecause) > 0
}

// MemberContent is the content of m.room.member.
type MemberContent struct {
	Membership  string `json:"membership"`
	DisplayName string `json:"displayname,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Reason      string `json:"reason,omitempty"`
	IsDirect    bool   `json:"is_direct,omitempty"`
}

// Membership decodes a member event into its current and previous
// membership. prev is "" when the event has no prev_content.
func (e *Event) Membership() (cur MemberContent, prev string, err error) {
	if err = json.Unmarshal(e.Content, &cur); err != nil {
		return cur, "", err
	}
	if e.Unsigned != nil && len(e.Unsigned.PrevContent) > 0 {
		var p MemberContent
		if json.Unmarshal(e.Unsigned.PrevContent, &p) == nil {
			prev = p.Membership
		}
	}
	return cur, prev, nil
}

// MessageContent is the content of m.room.message.
type MessageContent struct {
	MsgType       string     `json:"msgtype"`
	Body          string     `json:"body"`
	Format        string     `json:"format,omitempty"`
	FormattedBody string     `json:"formatted_body,omitempty"`
	URL           string     `json:"url,omitempty"`
	Info          *MediaInfo `json:"info,omitempty"`
	RelatesTo     *RelatesTo `json:"m.relates_to,omitempty"`
}

// MediaInfo describes an uploaded file.
type MediaInfo struct {
	MimeType string `json:"mimetype,omitempty"`
	Size     int    `json:"size,omitempty"`
	Width    int    `json:"w,omitempty"`
	Height   int    `json:"h,omitempty"`
}

// RelatesTo carries reply and thread relations.
type RelatesTo struct {
	RelType       string     `json:"rel_type,omitempty"`
	EventID       string     `json:"event_id,omitempty"`
	IsFallingBack bool       `json:"is_falling_back,omitempty"`
	InReplyTo     *InReplyTo `json:"m.in_reply_to,omitempty"`
}

// InReplyTo identifies the event being replied to.
type InReplyTo struct {
	EventID string `json:"event_id"`
}

// RelThread is the rel_type of thread relations.
const RelThread = "m.thread"

// Message decodes a message event. ok is false for other event types or
// undecodable content.
func (e *Event) Message() (MessageContent, bool) {
	var mc MessageContent
	if e.Type != EventTypeMessage {
		return mc, false
	}
	if err := json.Unmarshal(e.Content, &mc); err != nil {
		return mc, false
	}
	return mc, true
}

// ThreadRoot returns the root event ID when the message is part of a thread.
func (mc MessageContent) ThreadRoot() string {
	if mc.RelatesTo != nil && mc.RelatesTo.RelType == RelThread {
		return mc.RelatesTo.EventID
	}
	return ""
}

// NewNotice builds a plain m.notice.
func NewNotice(body string) MessageContent {
	return MessageContent{MsgType: MsgNotice, Body: body}
}

// NewHTMLNotice builds an m.notice with an HTML rendering.
func NewHTMLNotice(body, html string) MessageContent {
	return MessageContent{
		MsgType:       MsgNotice,
		Body:          body,
		Format:        "org.matrix.custom.html",
		FormattedBody: html,
	}
}

// NewImage builds an m.image message pointing at an uploaded mxc:// URI.
func NewImage(body, mxc string, info MediaInfo) MessageContent {
	return MessageContent{MsgType: MsgImage, Body: body, URL: mxc, Info: &info}
}

// ReplyTo attaches a reply relation to content. When the original message
// lives in a thread the reply stays in that thread.
func ReplyTo(content MessageContent, original *Event, originalContent MessageContent) MessageContent {
	if root := originalContent.ThreadRoot(); root != "" {
		content.RelatesTo = &RelatesTo{
			RelType:       RelThread,
			EventID:       root,
			IsFallingBack: true,
			InReplyTo:     &InReplyTo{EventID: original.EventID},
		}
		return content
	}
	content.RelatesTo = &RelatesTo{InReplyTo: &InReplyTo{EventID: original.EventID}}
	return content
}

// CreateRoomRequest holds parameters for POST /createRoom.
type CreateRoomRequest struct {
	Name                      string         `json:"name,omitempty"`
	Topic                     string         `json:"topic,omitempty"`
	Preset                    string         `json:"preset,omitempty"`
	Visibility                string         `json:"visibility,omitempty"`
	IsDirect                  bool           `json:"is_direct,omitempty"`
	Invite                    []string       `json:"invite,omitempty"`
	CreationContent           map[string]any `json:"creation_content,omitempty"`
	PowerLevelContentOverride map[string]any `json:"power_level_content_override,omitempty"`
}

// SyncOptions controls one /sync request.
type SyncOptions struct {
	Since   string
	Timeout int // milliseconds
	Filter  string
}

// SyncResponse is the subset of /sync the bot consumes.
type SyncResponse struct {
	NextBatch string       `json:"next_batch"`
	Rooms     RoomsSection `json:"rooms"`
}

// RoomsSection groups per-room sync data by membership.
type RoomsSection struct {
	Join   map[string]JoinedRoom  `json:"join,omitempty"`
	Invite map[string]InvitedRoom `json:"invite,omitempty"`
	Leave  map[string]LeftRoom    `json:"leave,omitempty"`
}

// JoinedRoom contains sync data for a joined room.
type JoinedRoom struct {
	Timeline TimelineSection `json:"timeline"`
	State    StateSection    `json:"state"`
}

// InvitedRoom contains stripped state for a pending invite.
type InvitedRoom struct {
	InviteState StateSection `json:"invite_state"`
}

// LeftRoom contains sync data for a room the bot left.
type LeftRoom struct {
	Timeline TimelineSection `json:"timeline"`
}

// TimelineSection is the ordered list of new events in a room.
type TimelineSection struct {
	Events    []Event `json:"events"`
	PrevBatch string  `json:"prev_batch,omitempty"`
	Limited   bool    `json:"limited,omitempty"`
}

// StateSection contains state events.
type StateSection struct {
	Events []Event `json:"events"`
}

type sendEventResponse struct {
	EventID string `json:"event_id"`
}

type createRoomResponse struct {
	RoomID string `json:"room_id"`
}

type whoAmIResponse struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id,omitempty"`
}

type uploadResponse struct {
	ContentURI string `json:"content_uri"`
}

type joinedRoomsResponse struct {
	JoinedRooms []string `json:"joined_rooms"`
}

type joinedMembersResponse struct {
	Joined map[string]struct {
		DisplayName string `json:"display_name"`
	} `json:"joined"`
}

type displayNameResponse struct {
	DisplayName string `json:"displayname"`
}
