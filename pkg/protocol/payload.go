package protocol

import "strings"

// Normalizer 校验前归一化负载
type Normalizer interface {
	Normalize()
}

// 用户状态
const (
	StatusOnline    = "online"
	StatusIdle      = "idle"
	StatusDND       = "dnd"
	StatusInvisible = "invisible"
	StatusOffline   = "offline"
)

// AuthenticatePayload authenticate 请求
type AuthenticatePayload struct {
	Token string `json:"token" validate:"required"`
}

func (p *AuthenticatePayload) Normalize() {
	p.Token = strings.TrimSpace(p.Token)
}

// AuthenticatedPayload authenticated 响应
type AuthenticatedPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Status   string `json:"status"`
}

// PingPayload ping 请求
type PingPayload struct {
	Ts int64 `json:"ts,omitempty"`
}

// PongPayload pong 响应
type PongPayload struct {
	Ts int64 `json:"ts"`
}

// SendMessageDMPayload send_message_dm 请求
type SendMessageDMPayload struct {
	ReceiverID string `json:"receiverId" validate:"required,max=64"`
	Text       string `json:"text" validate:"required,max=4000"`
	ReplyToID  string `json:"replyToId,omitempty" validate:"omitempty,max=64"`
}

func (p *SendMessageDMPayload) Normalize() {
	p.ReceiverID = strings.TrimSpace(p.ReceiverID)
	p.Text = strings.TrimSpace(p.Text)
	p.ReplyToID = strings.TrimSpace(p.ReplyToID)
}

// EditMessageDMPayload edit_message_dm 请求
type EditMessageDMPayload struct {
	MessageID string `json:"messageId" validate:"required,max=64"`
	Text      string `json:"text" validate:"required,max=4000"`
}

func (p *EditMessageDMPayload) Normalize() {
	p.MessageID = strings.TrimSpace(p.MessageID)
	p.Text = strings.TrimSpace(p.Text)
}

// DeleteMessageDMPayload delete_message_dm 请求
type DeleteMessageDMPayload struct {
	MessageID string `json:"messageId" validate:"required,max=64"`
}

func (p *DeleteMessageDMPayload) Normalize() {
	p.MessageID = strings.TrimSpace(p.MessageID)
}

// MessageDMPayload 私信（响应与推送共用）
type MessageDMPayload struct {
	ID         string `json:"id"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Text       string `json:"text"`
	ReplyToID  string `json:"replyToId,omitempty"`
	CreatedAt  int64  `json:"createdAt"`
	EditedAt   int64  `json:"editedAt,omitempty"`
}

// MessageDMDeletedPayload message_dm_deleted
type MessageDMDeletedPayload struct {
	MessageID  string `json:"messageId"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
}

// MarkDMReadPayload mark_dm_read 请求
type MarkDMReadPayload struct {
	PeerID string `json:"peerId" validate:"required,max=64"`
}

func (p *MarkDMReadPayload) Normalize() {
	p.PeerID = strings.TrimSpace(p.PeerID)
}

// UnreadPayload dm_unread_updated
type UnreadPayload struct {
	PeerID string `json:"peerId"`
	Count  int64  `json:"count"`
}

// TypingDMPayload typing_dm 请求
type TypingDMPayload struct {
	ReceiverID string `json:"receiverId" validate:"required,max=64"`
}

func (p *TypingDMPayload) Normalize() {
	p.ReceiverID = strings.TrimSpace(p.ReceiverID)
}

// TypingChannelPayload typing_channel 请求
type TypingChannelPayload struct {
	ServerID  string `json:"serverId" validate:"required,max=64"`
	ChannelID string `json:"channelId" validate:"required,max=64"`
}

func (p *TypingChannelPayload) Normalize() {
	p.ServerID = strings.TrimSpace(p.ServerID)
	p.ChannelID = strings.TrimSpace(p.ChannelID)
}

// TypingPayload typing 推送
type TypingPayload struct {
	UserID    string `json:"userId"`
	ServerID  string `json:"serverId,omitempty"`
	ChannelID string `json:"channelId,omitempty"`
}

// ReactionPayload add_reaction / remove_reaction 请求
type ReactionPayload struct {
	MessageID string `json:"messageId" validate:"required,max=64"`
	Emoji     string `json:"emoji" validate:"required,max=64"`
}

func (p *ReactionPayload) Normalize() {
	p.MessageID = strings.TrimSpace(p.MessageID)
	p.Emoji = strings.TrimSpace(p.Emoji)
}

// ReactionEventPayload reaction_added / reaction_removed
type ReactionEventPayload struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	Emoji     string `json:"emoji"`
}

// SetStatusPayload set_status 请求
type SetStatusPayload struct {
	Status string `json:"status" validate:"required,oneof=online idle dnd invisible"`
}

func (p *SetStatusPayload) Normalize() {
	p.Status = strings.ToLower(strings.TrimSpace(p.Status))
}

// StatusPayload status_updated / user_online / user_offline
type StatusPayload struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// ChannelPayload join_channel / leave_channel 请求与响应
type ChannelPayload struct {
	ServerID  string `json:"serverId" validate:"required,max=64"`
	ChannelID string `json:"channelId" validate:"required,max=64"`
}

func (p *ChannelPayload) Normalize() {
	p.ServerID = strings.TrimSpace(p.ServerID)
	p.ChannelID = strings.TrimSpace(p.ChannelID)
}

// ServerPayload join_server / leave_server 请求与响应
type ServerPayload struct {
	ServerID string `json:"serverId" validate:"required,max=64"`
}

func (p *ServerPayload) Normalize() {
	p.ServerID = strings.TrimSpace(p.ServerID)
}

// GetPresencePayload get_presence 请求
type GetPresencePayload struct {
	UserIDs []string `json:"userIds" validate:"required,min=1,max=200,dive,required,max=64"`
}

func (p *GetPresencePayload) Normalize() {
	for i := range p.UserIDs {
		p.UserIDs[i] = strings.TrimSpace(p.UserIDs[i])
	}
}

// PresenceSyncPayload presence_sync
type PresenceSyncPayload struct {
	Online []string `json:"online"`
}
