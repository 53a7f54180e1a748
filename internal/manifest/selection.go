package manifest

import (
	"fmt"
	"strconv"

	"github.com/berridl/berridl/internal/models"
)

// Chooser prompts the user to pick one of the labeled options. It is an
// external collaborator; the "ask" selection mode routes through it.
type Chooser interface {
	Choose(prompt string, options []string) (int, error)
}

// SelectVideo applies the configured video choice to the candidate tracks.
// "none" omits the track (nil, ErrTrackOmitted), "ask" prompts, and a
// numeric choice matches exactly on height.
func SelectVideo(tracks []Track, choice string, chooser Chooser) (*Track, error) {
	if len(tracks) == 0 {
		return nil, fmt.Errorf("no video tracks available")
	}
	switch choice {
	case "none":
		return nil, models.ErrTrackOmitted
	case "ask", "":
		return ask(tracks, "Select video track", chooser, videoLabel)
	}

	height, err := strconv.Atoi(choice)
	if err != nil {
		return nil, fmt.Errorf("invalid video choice %q", choice)
	}
	for i := range tracks {
		if tracks[i].Height == height {
			return &tracks[i], nil
		}
	}
	return nil, fmt.Errorf("no video track with height %d (available: %v)", height, heights(tracks))
}

// SelectAudio applies the configured audio choice. A numeric choice matches
// on bandwidth in kbps; on miss it falls back to the first track.
func SelectAudio(tracks []Track, choice string, chooser Chooser) (*Track, error) {
	if len(tracks) == 0 {
		return nil, fmt.Errorf("no audio tracks available")
	}
	switch choice {
	case "none":
		return nil, models.ErrTrackOmitted
	case "ask", "":
		return ask(tracks, "Select audio track", chooser, audioLabel)
	}

	kbps, err := strconv.Atoi(choice)
	if err != nil {
		return nil, fmt.Errorf("invalid audio choice %q", choice)
	}
	for i := range tracks {
		if tracks[i].Bandwidth/1000 == kbps {
			return &tracks[i], nil
		}
	}
	// The service reshuffles audio bitrates now and then; first track is
	// the safe default.
	return &tracks[0], nil
}

func ask(tracks []Track, prompt string, chooser Chooser, label func(Track) string) (*Track, error) {
	if chooser == nil {
		return &tracks[0], nil
	}
	options := make([]string, len(tracks))
	for i, t := range tracks {
		options[i] = label(t)
	}
	idx, err := chooser.Choose(prompt, options)
	if err != nil {
		return nil, fmt.Errorf("track selection: %w", err)
	}
	if idx < 0 || idx >= len(tracks) {
		return nil, fmt.Errorf("track selection out of range: %d", idx)
	}
	return &tracks[idx], nil
}

func videoLabel(t Track) string {
	return fmt.Sprintf("%dx%d @ %d kbps (%s)", t.Width, t.Height, t.Bandwidth/1000, t.Codecs)
}

func audioLabel(t Track) string {
	if t.ID != "" {
		return fmt.Sprintf("%s @ %d kbps", t.ID, t.Bandwidth/1000)
	}
	return fmt.Sprintf("%d kbps", t.Bandwidth/1000)
}

func heights(tracks []Track) []int {
	out := make([]int, len(tracks))
	for i, t := range tracks {
		out[i] = t.Height
	}
	return out
}
