package events

// Emitter is the slice of the realtime hub the publishers need: deliver one
// event to every connection in a room.
type Emitter interface {
	Emit(room, event string, payload any)
}

// HubPublisher pushes events straight into the in-process hub. Every event
// reaches the uploader's organization room and the per-video room.
type HubPublisher struct {
	hub Emitter
}

func NewHubPublisher(hub Emitter) *HubPublisher {
	return &HubPublisher{hub: hub}
}

func (p *HubPublisher) PublishProgress(orgID string, ev Progress) {
	p.emit(orgID, ev.VideoID, TypeProgress, ev)
}

func (p *HubPublisher) PublishCompleted(orgID string, ev Completed) {
	p.emit(orgID, ev.VideoID, TypeCompleted, ev)
}

func (p *HubPublisher) PublishFailed(orgID string, ev Failed) {
	p.emit(orgID, ev.VideoID, TypeFailed, ev)
}

func (p *HubPublisher) emit(orgID, videoID, event string, payload any) {
	p.hub.Emit(OrgRoom(orgID), event, payload)
	p.hub.Emit(VideoRoom(videoID), event, payload)
}
