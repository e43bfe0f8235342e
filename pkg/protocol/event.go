package protocol

// EventType 事件类型（封闭集合）
type EventType string

// 客户端请求事件
const (
	EventAuthenticate    EventType = "authenticate"
	EventPing            EventType = "ping"
	EventSendMessageDM   EventType = "send_message_dm"
	EventEditMessageDM   EventType = "edit_message_dm"
	EventDeleteMessageDM EventType = "delete_message_dm"
	EventMarkDMRead      EventType = "mark_dm_read"
	EventTypingDM        EventType = "typing_dm"
	EventTypingChannel   EventType = "typing_channel"
	EventAddReaction     EventType = "add_reaction"
	EventRemoveReaction  EventType = "remove_reaction"
	EventSetStatus       EventType = "set_status"
	EventJoinChannel     EventType = "join_channel"
	EventLeaveChannel    EventType = "leave_channel"
	EventJoinServer      EventType = "join_server"
	EventLeaveServer     EventType = "leave_server"
	EventGetPresence     EventType = "get_presence"
)

// 服务端响应与推送事件
const (
	EventAuthenticated    EventType = "authenticated"
	EventPong             EventType = "pong"
	EventMessageDMSent    EventType = "message_dm_sent"
	EventMessageDM        EventType = "message_dm"
	EventMessageDMEdited  EventType = "message_dm_edited"
	EventMessageDMDeleted EventType = "message_dm_deleted"
	EventDMUnreadUpdated  EventType = "dm_unread_updated"
	EventReactionAdded    EventType = "reaction_added"
	EventReactionRemoved  EventType = "reaction_removed"
	EventStatusUpdated    EventType = "status_updated"
	EventChannelJoined    EventType = "channel_joined"
	EventChannelLeft      EventType = "channel_left"
	EventServerJoined     EventType = "server_joined"
	EventServerLeft       EventType = "server_left"
	EventUserOnline       EventType = "user_online"
	EventUserOffline      EventType = "user_offline"
	EventPresenceSync     EventType = "presence_sync"
	EventError            EventType = "error"
)

// responseTypes 请求到响应的固定映射，空字符串表示无响应
var responseTypes = map[EventType]EventType{
	EventAuthenticate:    EventAuthenticated,
	EventPing:            EventPong,
	EventSendMessageDM:   EventMessageDMSent,
	EventEditMessageDM:   EventMessageDMEdited,
	EventDeleteMessageDM: EventMessageDMDeleted,
	EventMarkDMRead:      EventDMUnreadUpdated,
	EventTypingDM:        "",
	EventTypingChannel:   "",
	EventAddReaction:     EventReactionAdded,
	EventRemoveReaction:  EventReactionRemoved,
	EventSetStatus:       EventStatusUpdated,
	EventJoinChannel:     EventChannelJoined,
	EventLeaveChannel:    EventChannelLeft,
	EventJoinServer:      EventServerJoined,
	EventLeaveServer:     EventServerLeft,
	EventGetPresence:     EventPresenceSync,
}

// pushTypes 仅由服务端产生的事件
var pushTypes = map[EventType]struct{}{
	EventAuthenticated:    {},
	EventPong:             {},
	EventMessageDMSent:    {},
	EventMessageDM:        {},
	EventMessageDMEdited:  {},
	EventMessageDMDeleted: {},
	EventDMUnreadUpdated:  {},
	EventReactionAdded:    {},
	EventReactionRemoved:  {},
	EventStatusUpdated:    {},
	EventChannelJoined:    {},
	EventChannelLeft:      {},
	EventServerJoined:     {},
	EventServerLeft:       {},
	EventUserOnline:       {},
	EventUserOffline:      {},
	EventPresenceSync:     {},
	EventError:            {},
}

// String 返回事件名
func (t EventType) String() string {
	return string(t)
}

// Known 是否属于已知事件集合
func Known(t EventType) bool {
	if _, ok := responseTypes[t]; ok {
		return true
	}
	_, ok := pushTypes[t]
	return ok
}

// IsRequest 是否为客户端请求事件
func IsRequest(t EventType) bool {
	_, ok := responseTypes[t]
	return ok
}

// ResponseType 返回请求对应的响应事件类型
// 未登记的类型默认为 "<type>_response"；fire-and-forget 事件返回空字符串
func ResponseType(t EventType) EventType {
	if rt, ok := responseTypes[t]; ok {
		return rt
	}
	return t + "_response"
}

// RequestTypes 返回全部客户端请求事件
func RequestTypes() []EventType {
	out := make([]EventType, 0, len(responseTypes))
	for t := range responseTypes {
		out = append(out, t)
	}
	return out
}
