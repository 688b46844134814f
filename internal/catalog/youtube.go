package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"session-service/internal/session"
)

// ProviderYouTube is the provider name of YouTube tracks.
const ProviderYouTube = "youtube"

const DefaultVideosURL = "https://www.googleapis.com/youtube/v3/videos"

// YouTubeClient looks videos up with the YouTube Data API.
type YouTubeClient struct {
	apiKey    string
	videosURL string
	http      *http.Client
}

func NewYouTubeClient(apiKey, videosURL string) *YouTubeClient {
	if videosURL == "" {
		videosURL = DefaultVideosURL
	}
	return &YouTubeClient{
		apiKey:    apiKey,
		videosURL: videosURL,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type ytVideosResponse struct {
	Items []struct {
		ID      string `json:"id"`
		Snippet struct {
			Title        string `json:"title"`
			ChannelTitle string `json:"channelTitle"`
			Thumbnails   struct {
				Default struct {
					URL string `json:"url"`
				} `json:"default"`
				Medium struct {
					URL string `json:"url"`
				} `json:"medium"`
				High struct {
					URL string `json:"url"`
				} `json:"high"`
			} `json:"thumbnails"`
		} `json:"snippet"`
		ContentDetails struct {
			Duration string `json:"duration"`
		} `json:"contentDetails"`
	} `json:"items"`
}

func (c *YouTubeClient) Lookup(ctx context.Context, provider, id string) (*session.Track, error) {
	if provider != ProviderYouTube {
		return nil, ErrUnsupportedProvider
	}

	val := url.Values{}
	val.Set("part", "snippet,contentDetails")
	val.Set("id", id)
	val.Set("key", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.videosURL+"?"+val.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("youtube videos status %d", resp.StatusCode)
	}

	var body ytVideosResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	for _, it := range body.Items {
		if it.ID != id {
			continue
		}
		thumbs := it.Snippet.Thumbnails
		thumb := thumbs.High.URL
		if thumb == "" {
			thumb = thumbs.Medium.URL
		}
		if thumb == "" {
			thumb = thumbs.Default.URL
		}
		return &session.Track{
			ID:         it.ID,
			Name:       it.Snippet.Title,
			Artist:     it.Snippet.ChannelTitle,
			ImageURL:   thumb,
			Provider:   ProviderYouTube,
			DurationMs: parseISO8601Duration(it.ContentDetails.Duration),
		}, nil
	}
	return nil, ErrTrackNotFound
}

var isoDuration = regexp.MustCompile(`^PT(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?$`)

// parseISO8601Duration converts PT#H#M#S durations to milliseconds. Day
// components and malformed input yield 0.
func parseISO8601Duration(d string) int64 {
	m := isoDuration.FindStringSubmatch(d)
	if m == nil {
		return 0
	}
	var total int64
	for i, unit := range []int64{3600, 60, 1} {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.ParseInt(m[i+1], 10, 64)
		if err != nil {
			return 0
		}
		total += n * unit
	}
	return total * 1000
}
