package source

import (
	"context"
	"fmt"
	"strings"

	"mediafetch/task"

	"github.com/ytget/ytdlp/v2"
)

const (
	playlistParam  = "list="
	paramSeparator = "&"
	minPrefixLen   = 10
)

// PlaylistLister enumerates the items of a playlist id.
type PlaylistLister interface {
	List(ctx context.Context, playlistID string) ([]task.MediaRef, error)
}

type libraryPlaylists struct{}

func (libraryPlaylists) List(ctx context.Context, playlistID string) ([]task.MediaRef, error) {
	items, err := ytdlp.New().GetPlaylistItemsAll(ctx, playlistID, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to get playlist items: %w", err)
	}
	refs := make([]task.MediaRef, 0, len(items))
	for _, it := range items {
		refs = append(refs, task.MediaRef{Title: it.Title, SourceRef: fmt.Sprintf(watchURLTemplate, it.VideoID)})
	}
	return refs, nil
}

// playlistID extracts the list= parameter of a playlist URL.
func playlistID(url string) string {
	_, rest, ok := strings.Cut(url, playlistParam)
	if !ok {
		return ""
	}
	id, _, _ := strings.Cut(rest, paramSeparator)
	return id
}

// playlistTitle derives a title from the item titles, which the listing does not carry.
func playlistTitle(refs []task.MediaRef) string {
	if len(refs) == 0 {
		return "Unknown Playlist"
	}
	if len(refs) > 1 {
		prefix := commonPrefix(refs[0].Title, refs[1].Title)
		if len(prefix) > minPrefixLen {
			return strings.TrimSpace(prefix) + " Playlist"
		}
	}
	return refs[0].Title + " Playlist"
}

func commonPrefix(a, b string) string {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return a[:i]
		}
	}
	return a[:n]
}
