// Package events defines the processing event payloads pushed to clients
// and the publishers that carry them: directly into the realtime hub, out
// to NATS for other consumers, or both.
package events

// Event names as seen by connected clients.
const (
	TypeConnected = "connected"
	TypeProgress  = "video:progress"
	TypeCompleted = "video:process:complete"
	TypeFailed    = "video:process:failed"
)

// Room name builders shared by the hub and the publishers.
func OrgRoom(orgID string) string     { return "org:" + orgID }
func UserRoom(userID string) string   { return "user:" + userID }
func VideoRoom(videoID string) string { return "video:" + videoID }

// Progress is one worker progress tick.
type Progress struct {
	VideoID  string `json:"video_id"`
	Progress int    `json:"progress"`
	Stage    string `json:"stage"`
	Message  string `json:"message,omitempty"`
}

// Sensitivity is the analyzer summary carried on completion.
type Sensitivity struct {
	Score      float64  `json:"score"`
	Level      string   `json:"level"`
	Status     string   `json:"status"`
	Categories []string `json:"categories"`
}

// Completed announces a finished pipeline run.
type Completed struct {
	VideoID      string      `json:"video_id"`
	Status       string      `json:"status"`
	Sensitivity  Sensitivity `json:"sensitivity"`
	ThumbnailKey string      `json:"thumbnail_key,omitempty"`
	Duration     float64     `json:"duration"`
	Resolution   string      `json:"resolution"`
}

// Failed announces a terminal processing failure. Per-attempt failures that
// will be retried are not published; clients only hear the final verdict.
type Failed struct {
	VideoID string `json:"video_id"`
	Error   string `json:"error"`
}

// Publisher fans processing events out to an organization's members and to
// per-video subscribers. Delivery is best-effort; implementations log and
// continue on transport failure.
type Publisher interface {
	PublishProgress(orgID string, ev Progress)
	PublishCompleted(orgID string, ev Completed)
	PublishFailed(orgID string, ev Failed)
}

// Fanout publishes to every nested publisher in order.
type Fanout []Publisher

func (f Fanout) PublishProgress(orgID string, ev Progress) {
	for _, p := range f {
		p.PublishProgress(orgID, ev)
	}
}

func (f Fanout) PublishCompleted(orgID string, ev Completed) {
	for _, p := range f {
		p.PublishCompleted(orgID, ev)
	}
}

func (f Fanout) PublishFailed(orgID string, ev Failed) {
	for _, p := range f {
		p.PublishFailed(orgID, ev)
	}
}

// NopPublisher discards everything; used when no hub is wired (CLIs, tests).
type NopPublisher struct{}

func (NopPublisher) PublishProgress(string, Progress)   {}
func (NopPublisher) PublishCompleted(string, Completed) {}
func (NopPublisher) PublishFailed(string, Failed)       {}
