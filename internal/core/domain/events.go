package domain

import "time"

// EventKind names an event variant for logging and mirroring.
type EventKind string

const (
	KindConnectionStateChanged             EventKind = "connection.state_changed"
	KindConnectionLost                     EventKind = "connection.lost"
	KindJoinChannelSuccess                 EventKind = "channel.joined"
	KindRejoinChannelSuccess               EventKind = "channel.rejoined"
	KindLeaveChannel                       EventKind = "channel.left"
	KindClientRoleChanged                  EventKind = "channel.role_changed"
	KindTokenPrivilegeWillExpire           EventKind = "token.will_expire"
	KindRequestToken                       EventKind = "token.request"
	KindUserJoined                         EventKind = "user.joined"
	KindUserOffline                        EventKind = "user.offline"
	KindPublishStateChanged                EventKind = "publish.state_changed"
	KindSubscribeStateChanged              EventKind = "subscribe.state_changed"
	KindLastmileQuality                    EventKind = "probe.quality"
	KindLastmileProbeResult                EventKind = "probe.result"
	KindLastmileProbeFailed                EventKind = "probe.failed"
	KindLocalPublishFallbackToAudioOnly    EventKind = "fallback.local"
	KindRemoteSubscribeFallbackToAudioOnly EventKind = "fallback.remote"
	KindChannelMediaRelayStateChanged      EventKind = "relay.state_changed"
	KindChannelMediaRelayEvent             EventKind = "relay.event"
	KindRemoteVideoStateChanged            EventKind = "remote.video_state"
	KindRemoteAudioStateChanged            EventKind = "remote.audio_state"
	KindNetworkQuality                     EventKind = "stats.network_quality"
	KindRtcStats                           EventKind = "stats.rtc"
	KindLocalVideoStats                    EventKind = "stats.local_video"
	KindLocalAudioStats                    EventKind = "stats.local_audio"
	KindRemoteVideoStats                   EventKind = "stats.remote_video"
	KindRemoteAudioStats                   EventKind = "stats.remote_audio"
)

// Event is the closed set of notifications emitted by the core. Only types in
// this package implement it.
type Event interface {
	Kind() EventKind
	isEvent()
}

type ConnectionStateChanged struct {
	State  ConnectionState
	Reason ConnectionChangeReason
}

type ConnectionLost struct{}

type JoinChannelSuccess struct {
	Channel string
	UID     UID
	Elapsed time.Duration
}

type RejoinChannelSuccess struct {
	Channel string
	UID     UID
	Elapsed time.Duration
}

type LeaveChannel struct {
	Stats RtcStats
}

type ClientRoleChanged struct {
	Old ClientRole
	New ClientRole
}

type TokenPrivilegeWillExpire struct {
	ExpiresAt time.Time
}

type RequestToken struct{}

type UserJoined struct {
	UID UID
}

type UserOffline struct {
	UID    UID
	Reason UserOfflineReason
}

type PublishStateChanged struct {
	Media MediaKind
	Old   PublishState
	New   PublishState
}

type SubscribeStateChanged struct {
	UID   UID
	Media MediaKind
	Old   SubscribeState
	New   SubscribeState
}

type LastmileQuality struct {
	Quality QualityRating
}

type LastmileProbeResult struct {
	Result ProbeResult
}

type LastmileProbeFailed struct {
	Err error
}

type LocalPublishFallbackToAudioOnly struct {
	AudioOnly bool
}

type RemoteSubscribeFallbackToAudioOnly struct {
	UID       UID
	AudioOnly bool
}

type ChannelMediaRelayStateChanged struct {
	State RelayState
	Err   RelayError
}

type ChannelMediaRelayEvent struct {
	Code    RelayEventCode
	Channel string
}

type RemoteVideoStateChanged struct {
	UID    UID
	State  RemoteVideoState
	Reason RemoteStateReason
}

type RemoteAudioStateChanged struct {
	UID    UID
	State  RemoteAudioState
	Reason RemoteStateReason
}

type NetworkQuality struct {
	UID UID // zero is the local user
	Tx  QualityRating
	Rx  QualityRating
}

type RtcStatsEvent struct {
	Stats RtcStats
}

type LocalVideoStatsEvent struct {
	Stats LocalVideoStats
}

type LocalAudioStatsEvent struct {
	Stats LocalAudioStats
}

type RemoteVideoStatsEvent struct {
	Stats RemoteVideoStats
}

type RemoteAudioStatsEvent struct {
	Stats RemoteAudioStats
}

func (ConnectionStateChanged) Kind() EventKind   { return KindConnectionStateChanged }
func (ConnectionLost) Kind() EventKind           { return KindConnectionLost }
func (JoinChannelSuccess) Kind() EventKind       { return KindJoinChannelSuccess }
func (RejoinChannelSuccess) Kind() EventKind     { return KindRejoinChannelSuccess }
func (LeaveChannel) Kind() EventKind             { return KindLeaveChannel }
func (ClientRoleChanged) Kind() EventKind        { return KindClientRoleChanged }
func (TokenPrivilegeWillExpire) Kind() EventKind { return KindTokenPrivilegeWillExpire }
func (RequestToken) Kind() EventKind             { return KindRequestToken }
func (UserJoined) Kind() EventKind               { return KindUserJoined }
func (UserOffline) Kind() EventKind              { return KindUserOffline }
func (PublishStateChanged) Kind() EventKind      { return KindPublishStateChanged }
func (SubscribeStateChanged) Kind() EventKind    { return KindSubscribeStateChanged }
func (LastmileQuality) Kind() EventKind          { return KindLastmileQuality }
func (LastmileProbeResult) Kind() EventKind      { return KindLastmileProbeResult }
func (LastmileProbeFailed) Kind() EventKind      { return KindLastmileProbeFailed }
func (LocalPublishFallbackToAudioOnly) Kind() EventKind {
	return KindLocalPublishFallbackToAudioOnly
}
func (RemoteSubscribeFallbackToAudioOnly) Kind() EventKind {
	return KindRemoteSubscribeFallbackToAudioOnly
}
func (ChannelMediaRelayStateChanged) Kind() EventKind { return KindChannelMediaRelayStateChanged }
func (ChannelMediaRelayEvent) Kind() EventKind        { return KindChannelMediaRelayEvent }
func (RemoteVideoStateChanged) Kind() EventKind       { return KindRemoteVideoStateChanged }
func (RemoteAudioStateChanged) Kind() EventKind       { return KindRemoteAudioStateChanged }
func (NetworkQuality) Kind() EventKind                { return KindNetworkQuality }
func (RtcStatsEvent) Kind() EventKind                 { return KindRtcStats }
func (LocalVideoStatsEvent) Kind() EventKind          { return KindLocalVideoStats }
func (LocalAudioStatsEvent) Kind() EventKind          { return KindLocalAudioStats }
func (RemoteVideoStatsEvent) Kind() EventKind         { return KindRemoteVideoStats }
func (RemoteAudioStatsEvent) Kind() EventKind         { return KindRemoteAudioStats }

func (ConnectionStateChanged) isEvent()             {}
func (ConnectionLost) isEvent()                     {}
func (JoinChannelSuccess) isEvent()                 {}
func (RejoinChannelSuccess) isEvent()               {}
func (LeaveChannel) isEvent()                       {}
func (ClientRoleChanged) isEvent()                  {}
func (TokenPrivilegeWillExpire) isEvent()           {}
func (RequestToken) isEvent()                       {}
func (UserJoined) isEvent()                         {}
func (UserOffline) isEvent()                        {}
func (PublishStateChanged) isEvent()                {}
func (SubscribeStateChanged) isEvent()              {}
func (LastmileQuality) isEvent()                    {}
func (LastmileProbeResult) isEvent()                {}
func (LastmileProbeFailed) isEvent()                {}
func (LocalPublishFallbackToAudioOnly) isEvent()    {}
func (RemoteSubscribeFallbackToAudioOnly) isEvent() {}
func (ChannelMediaRelayStateChanged) isEvent()      {}
func (ChannelMediaRelayEvent) isEvent()             {}
func (RemoteVideoStateChanged) isEvent()            {}
func (RemoteAudioStateChanged) isEvent()            {}
func (NetworkQuality) isEvent()                     {}
func (RtcStatsEvent) isEvent()                      {}
func (LocalVideoStatsEvent) isEvent()               {}
func (LocalAudioStatsEvent) isEvent()               {}
func (RemoteVideoStatsEvent) isEvent()              {}
func (RemoteAudioStatsEvent) isEvent()              {}
