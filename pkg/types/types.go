// Package types defines the shared domain types used across all Storyline
// packages.
//
// These types are what the store returns, what the HTTP layer serialises and
// what the story pipeline passes between stages. JSON tags follow the public
// API field names.
package types

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the wire format for calendar dates (birthdays, creation dates).
const DateLayout = "2006-01-02"

// Date is a calendar date that serialises as YYYY-MM-DD.
type Date struct {
	time.Time
}

// NewDate truncates t to a [Date].
func NewDate(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Time: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("types: parse date %q: %w", s, err)
	}
	return Date{Time: t}, nil
}

// String returns the YYYY-MM-DD form, or "" for the zero date.
func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Format(DateLayout)
}

// MarshalJSON encodes the zero date as null.
func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.Format(DateLayout))
}

// UnmarshalJSON accepts null or a YYYY-MM-DD string.
func (d *Date) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*d = Date{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Clock is a playback length in whole seconds rendered as HH:MM:SS.
type Clock int64

// ClockOf converts a duration to a [Clock], dropping sub-second precision.
func ClockOf(d time.Duration) Clock { return Clock(d / time.Second) }

// MaxClock is the longest representable playback length; the column that
// stores it is a 32-bit integer.
const MaxClock Clock = math.MaxInt32

// ParseClock parses HH:MM:SS (hours may exceed two digits).
func ParseClock(s string) (Clock, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("types: parse clock %q: want HH:MM:SS", s)
	}
	var f [3]int64
	for i, p := range parts {
		if p == "" || strings.TrimLeft(p, "0123456789") != "" {
			return 0, fmt.Errorf("types: parse clock %q: want HH:MM:SS", s)
		}
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("types: parse clock %q: %w", s, err)
		}
		f[i] = n
	}
	h, m, sec := f[0], f[1], f[2]
	if m > 59 || sec > 59 || h > int64(MaxClock)/3600 {
		return 0, fmt.Errorf("types: parse clock %q: out of range", s)
	}
	c := Clock(h*3600 + m*60 + sec)
	if c > MaxClock {
		return 0, fmt.Errorf("types: parse clock %q: out of range", s)
	}
	return c, nil
}

// Duration converts back to a [time.Duration].
func (c Clock) Duration() time.Duration { return time.Duration(c) * time.Second }

func (c Clock) String() string {
	s := int64(c)
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, (s%3600)/60, s%60)
}

// MarshalJSON encodes the clock as a quoted HH:MM:SS string.
func (c Clock) MarshalJSON() ([]byte, error) { return json.Marshal(c.String()) }

// UnmarshalJSON accepts a HH:MM:SS string or a number of seconds.
func (c *Clock) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		parsed, err := ParseClock(s)
		if err != nil {
			return err
		}
		*c = parsed
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("types: clock must be HH:MM:SS or seconds")
	}
	if n < 0 || Clock(n) > MaxClock {
		return fmt.Errorf("types: clock %d seconds out of range", n)
	}
	*c = Clock(n)
	return nil
}

// User is a registered listener or storyteller.
type User struct {
	ID        int64   `json:"id"`
	FirstName string  `json:"firstName"`
	LastName  *string `json:"lastName"`
	Birthday  Date    `json:"bday"`
	Active    bool    `json:"status"`
}

// UserPatch carries the fields of a partial user update. Set* flags
// distinguish "not provided" from "set to null".
type UserPatch struct {
	FirstName   *string
	SetLastName bool
	LastName    *string
	SetBirthday bool
	Birthday    *Date
}

// Empty reports whether the patch changes nothing.
func (p UserPatch) Empty() bool {
	return p.FirstName == nil && !p.SetLastName && !p.SetBirthday
}

// Author is the short user projection embedded in story listings.
type Author struct {
	ID        int64   `json:"id"`
	FirstName string  `json:"firstName"`
	LastName  *string `json:"lastName"`
}

// AuthorDetail extends [Author] with the birth date shown on story pages.
type AuthorDetail struct {
	Author
	BirthDate Date `json:"birthDate"`
}

// Category is a story genre or theme.
type Category struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description *string   `json:"description"`
	Icon        *string   `json:"icon,omitempty"`
	Active      bool      `json:"-"`
	Created     time.Time `json:"-"`
	ImageURL    string    `json:"imageURL,omitempty"`
}

// CategoryRef is the category projection embedded in story listings.
type CategoryRef struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Description *string `json:"description"`
	Icon        *string `json:"icon,omitempty"`
}

// StorySummary is one row of a story listing.
type StorySummary struct {
	ID         int64         `json:"id"`
	Title      string        `json:"title"`
	Created    Date          `json:"created"`
	Duration   Clock         `json:"duration"`
	Author     Author        `json:"author"`
	Categories []CategoryRef `json:"categories"`
	LikeCount  int64         `json:"likeCount"`
}

// CategoryStory is a story listed under a category page.
type CategoryStory struct {
	StorySummary
	ThumbnailURL string `json:"thumbnailUrl"`
	ListenCount  int64  `json:"listenCount"`
}

// TimelineEvent marks a key narrative moment during playback.
type TimelineEvent struct {
	ID    int64  `json:"id"`
	Time  int    `json:"time"`
	Color string `json:"color"`
	Image string `json:"image,omitempty"`
}

// Like is an active like on a story.
type Like struct {
	ID      int64  `json:"id"`
	User    Author `json:"user"`
	Updated Date   `json:"updated"`
}

// Listener is one recorded playback of a story.
type Listener struct {
	ID          int64  `json:"id"`
	User        Author `json:"user"`
	ListenTime  Date   `json:"listenTime"`
	EndDuration *Clock `json:"endDuration"`
}

// StoryDetail is the full story page.
type StoryDetail struct {
	ID              int64           `json:"id"`
	Title           string          `json:"title"`
	StoryURL        string          `json:"storyUrl"`
	GenAudioURL     *string         `json:"genAudioUrl"`
	Created         Date            `json:"created"`
	Duration        Clock           `json:"duration"`
	ListenCount     int64           `json:"listenCount"`
	Active          bool            `json:"status"`
	Author          AuthorDetail    `json:"author"`
	LikeCount       int64           `json:"likeCount"`
	Categories      []CategoryRef   `json:"categories"`
	TimelineColors  []TimelineEvent `json:"timelineColors"`
	Likes           []Like          `json:"likes"`
	RecentListeners []Listener      `json:"recentListeners"`
}

// StoryMedia locates the stored artifacts of a story.
type StoryMedia struct {
	StoryID     int64
	UserID      int64
	Title       string
	AudioBlob   string
	StoryURL    string
	GenAudioURL *string
	Active      bool
}

// DashboardStory is a story card on the dashboard. Optional fields are
// populated depending on which dashboard list the card belongs to.
type DashboardStory struct {
	ID               int64         `json:"id"`
	Title            string        `json:"title"`
	StoryURL         string        `json:"storyUrl,omitempty"`
	Created          *Date         `json:"created,omitempty"`
	Duration         Clock         `json:"duration"`
	ListenCount      *int64        `json:"listenCount,omitempty"`
	LastListenTime   *Date         `json:"lastListenTime,omitempty"`
	ListenedDuration *Clock        `json:"listenedDuration,omitempty"`
	Author           Author        `json:"author"`
	Categories       []CategoryRef `json:"categories"`
	IsRecommended    bool          `json:"isRecommended,omitempty"`
}

// CategoryStat is a category card on the dashboard.
type CategoryStat struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Description *string `json:"description"`
	Icon        *string `json:"icon"`
	ImageURL    string  `json:"imageURL"`
	StoryCount  int64   `json:"storyCount"`
}

// SimilarStory is a story ranked by embedding distance to another story.
type SimilarStory struct {
	StorySummary
	Distance float64 `json:"distance"`
}
