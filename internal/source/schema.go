package source

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"droughtwatch/internal/model"
)

// playlistItemsResponse is the subset of the playlistItems.list response
// this service reads.
type playlistItemsResponse struct {
	NextPageToken string         `json:"nextPageToken"`
	Items         []playlistItem `json:"items"`
}

type playlistItem struct {
	Snippet struct {
		Title       string               `json:"title"`
		PublishedAt string               `json:"publishedAt"`
		Thumbnails  map[string]thumbnail `json:"thumbnails"`
		ResourceID  struct {
			VideoID string `json:"videoId"`
		} `json:"resourceId"`
	} `json:"snippet"`
}

type thumbnail struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

var thumbnailPreference = []string{"maxres", "high", "medium", "standard", "default"}

// FallbackThumbnail is derived from the video id alone.
func FallbackThumbnail(videoID string) string {
	return "https://i.ytimg.com/vi/" + videoID + "/maxresdefault.jpg"
}

func (it playlistItem) candidate() (model.Candidate, error) {
	id := strings.TrimSpace(it.Snippet.ResourceID.VideoID)
	if id == "" {
		return model.Candidate{}, errors.New("missing resourceId.videoId")
	}
	published, err := time.Parse(time.RFC3339, strings.TrimSpace(it.Snippet.PublishedAt))
	if err != nil {
		return model.Candidate{}, fmt.Errorf("video %s: bad publishedAt %q: %w", id, it.Snippet.PublishedAt, err)
	}
	thumb := FallbackThumbnail(id)
	for _, k := range thumbnailPreference {
		if t, ok := it.Snippet.Thumbnails[k]; ok && strings.TrimSpace(t.URL) != "" {
			thumb = t.URL
			break
		}
	}
	return model.Candidate{
		ExternalID:   id,
		Title:        it.Snippet.Title,
		PublishedAt:  published.UTC(),
		ThumbnailURL: thumb,
	}, nil
}
