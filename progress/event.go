package progress

import "fmt"

type Status string

const (
	StatusQueued           Status = "queued"
	StatusDownloading      Status = "downloading"
	StatusFinished         Status = "finished"
	StatusError            Status = "error"
	StatusCanceled         Status = "canceled"
	StatusPlaylistProgress Status = "playlist_progress"
)

// Event is one progress update pushed to the subscribers of a job or batch id.
type Event struct {
	Status     Status  `json:"status"`
	Position   int     `json:"position,omitempty"`
	Percent    float64 `json:"percent"`
	Speed      string  `json:"speed,omitempty"`
	ETA        string  `json:"eta,omitempty"`
	Message    string  `json:"message,omitempty"`
	File       string  `json:"file,omitempty"`
	Completed  int     `json:"completed,omitempty"`
	Total      int     `json:"total,omitempty"`
	PlaylistID string  `json:"playlist_id,omitempty"`
}

// Terminal reports whether no further events follow for the job.
func (e Event) Terminal() bool {
	switch e.Status {
	case StatusFinished, StatusError, StatusCanceled:
		return true
	}
	return false
}

func Queued(position int, batchID string) Event {
	return Event{Status: StatusQueued, Position: position, PlaylistID: batchID}
}

// Downloading builds a sampled progress event. speed is in bytes per second.
func Downloading(percent, speed, eta float64, batchID string) Event {
	return Event{
		Status:     StatusDownloading,
		Percent:    percent,
		Speed:      fmt.Sprintf("%.2f MB/s", speed/1024/1024),
		ETA:        fmt.Sprintf("%ds", int64(eta+0.5)),
		PlaylistID: batchID,
	}
}

func Finished(file, batchID string) Event {
	return Event{Status: StatusFinished, Percent: 100, File: file, PlaylistID: batchID}
}

func Failed(message, batchID string) Event {
	return Event{Status: StatusError, Message: message, PlaylistID: batchID}
}

func Canceled(message, batchID string) Event {
	return Event{Status: StatusCanceled, Message: message, PlaylistID: batchID}
}

func PlaylistProgress(completed, total int) Event {
	return Event{Status: StatusPlaylistProgress, Completed: completed, Total: total}
}
