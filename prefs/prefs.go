// Package prefs keeps per-user device preferences (My Day background and
// custom list definitions) as plain Redis strings.
package prefs

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"ameno-api/domain"
)

const (
	maxCustomBackgrounds = 6
	maxListTitle         = 25

	defaultListIcon  = "list-outline"
	defaultListColor = "#818cf8"

	maxUpdateAttempts = 16
)

var errUpdateContended = errors.New("preference changed concurrently, try again")

// ListColors and ListIcons are the choices offered when creating a list.
var (
	ListColors = []string{"#818cf8", "#60a5fa", "#f87171", "#34d399", "#fbbf24", "#a78bfa", "#ec4899", "#14b8a6"}
	ListIcons  = []string{"list-outline", "cart-outline", "star-outline", "book-outline", "airplane-outline", "gift-outline", "briefcase-outline", "fitness-outline"}
)

// Preset is a bundled My Day background.
type Preset struct {
	ID  string `json:"id"`
	URI string `json:"uri"`
}

var presets = []Preset{
	{ID: "p1", URI: "https://images.unsplash.com/photo-1502082553048-f009c37129b9?auto=format&fit=crop&w=800&q=60"},
	{ID: "p2", URI: "https://images.unsplash.com/photo-1464822759023-fed622ff2c3b?auto=format&fit=crop&w=800&q=60"},
	{ID: "p3", URI: "https://images.unsplash.com/photo-1507525428034-b723cf961d3e?auto=format&fit=crop&w=800&q=60"},
	{ID: "p4", URI: "https://images.unsplash.com/photo-1477959858617-67f85cf4f1df?auto=format&fit=crop&w=800&q=60"},
	{ID: "p5", URI: "https://image.vnbackup.com/K9g7PhRZqhXnZ02cb49728bba3fe2fa0/tuyet-dep-canh-hoang-hon-tren-bien-2.jpg?auto=format&fit=crop&w=800&q=60"},
}

// Presets returns the bundled backgrounds. The first one is the default.
func Presets() []Preset {
	return slices.Clone(presets)
}

// Background is the current My Day background and the user's own uploads,
// most recent first.
type Background struct {
	Current string   `json:"current"`
	Custom  []string `json:"custom"`
}

// Store reads and writes preference values.
type Store struct {
	redis *redis.Client
	now   func() time.Time
}

func New(rc *redis.Client) *Store {
	if rc == nil {
		panic("prefs.New: redis client is nil")
	}
	return &Store{redis: rc, now: time.Now}
}

// Get returns the raw value of key and whether it exists.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Set stores value under key without expiry.
func (s *Store) Set(ctx context.Context, key, value string) error {
	return s.redis.Set(ctx, key, value, 0).Err()
}

func backgroundKey(userID string) string { return "prefs:" + userID + ":myday_bg" }

func customBackgroundsKey(userID string) string { return "prefs:" + userID + ":myday_custom" }

func customListsKey(userID string) string { return "prefs:" + userID + ":custom_lists" }

func (s *Store) getJSON(ctx context.Context, key string, v any) error {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return err
	}
	// Unreadable values read as unset, like a fresh install.
	_ = sonic.Unmarshal([]byte(raw), v)
	return nil
}

// updateJSON applies fn to the decoded value of key and writes the result
// under WATCH, retrying when another writer changed key in between.
func updateJSON[T any](ctx context.Context, s *Store, key string, fn func(T) (T, error)) (T, error) {
	var out T
	txf := func(tx *redis.Tx) error {
		var cur T
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil && sonic.Unmarshal(raw, &cur) != nil {
			var zero T
			cur = zero
		}
		next, err := fn(cur)
		if err != nil {
			return err
		}
		data, err := sonic.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, 0)
			return nil
		})
		if err == nil {
			out = next
		}
		return err
	}
	for i := 0; i < maxUpdateAttempts; i++ {
		err := s.redis.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return out, err
		}
	}
	return out, errUpdateContended
}

// Background returns the user's My Day background, defaulting to the first preset.
func (s *Store) Background(ctx context.Context, userID string) (Background, error) {
	bg := Background{Current: presets[0].URI, Custom: []string{}}
	cur, ok, err := s.Get(ctx, backgroundKey(userID))
	if err != nil {
		return Background{}, err
	}
	if ok && cur != "" {
		bg.Current = cur
	}
	if err := s.getJSON(ctx, customBackgroundsKey(userID), &bg.Custom); err != nil {
		return Background{}, err
	}
	if bg.Custom == nil {
		bg.Custom = []string{}
	}
	return bg, nil
}

// SetBackground selects uri. A custom uri also moves to the front of the
// user's uploads, which keep at most six entries.
func (s *Store) SetBackground(ctx context.Context, userID, uri string, custom bool) (Background, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return Background{}, &domain.ValidationError{Field: "uri", Msg: "must not be empty"}
	}
	bg, err := s.Background(ctx, userID)
	if err != nil {
		return Background{}, err
	}
	if custom {
		list, err := updateJSON(ctx, s, customBackgroundsKey(userID), func(cur []string) ([]string, error) {
			list := []string{uri}
			for _, u := range cur {
				if u != uri {
					list = append(list, u)
				}
			}
			if len(list) > maxCustomBackgrounds {
				list = list[:maxCustomBackgrounds]
			}
			return list, nil
		})
		if err != nil {
			return Background{}, err
		}
		bg.Custom = list
	}
	if err := s.Set(ctx, backgroundKey(userID), uri); err != nil {
		return Background{}, err
	}
	bg.Current = uri
	return bg, nil
}

// DeleteCustomBackground removes uri from the uploads. When it was the
// current background the default preset takes its place.
func (s *Store) DeleteCustomBackground(ctx context.Context, userID, uri string) (Background, error) {
	bg, err := s.Background(ctx, userID)
	if err != nil {
		return Background{}, err
	}
	custom, err := updateJSON(ctx, s, customBackgroundsKey(userID), func(cur []string) ([]string, error) {
		return slices.DeleteFunc(cur, func(u string) bool { return u == uri }), nil
	})
	if err != nil {
		return Background{}, err
	}
	bg.Custom = custom
	if bg.Custom == nil {
		bg.Custom = []string{}
	}
	if bg.Current == uri {
		bg.Current = presets[0].URI
		if err := s.Set(ctx, backgroundKey(userID), bg.Current); err != nil {
			return Background{}, err
		}
	}
	return bg, nil
}

// CustomLists returns the user's lists in creation order.
func (s *Store) CustomLists(ctx context.Context, userID string) ([]domain.List, error) {
	lists := []domain.List{}
	if err := s.getJSON(ctx, customListsKey(userID), &lists); err != nil {
		return nil, err
	}
	if lists == nil {
		lists = []domain.List{}
	}
	return lists, nil
}

// AddCustomList validates and appends a new list. Empty icon and color
// fall back to the first palette entries.
func (s *Store) AddCustomList(ctx context.Context, userID, title, icon, color string) (domain.List, error) {
	title = strings.TrimSpace(title)
	switch {
	case title == "":
		return domain.List{}, &domain.ValidationError{Field: "title", Msg: "must not be empty"}
	case utf8.RuneCountInString(title) > maxListTitle:
		return domain.List{}, &domain.ValidationError{Field: "title", Msg: "must be at most " + strconv.Itoa(maxListTitle) + " characters"}
	}
	if icon == "" {
		icon = defaultListIcon
	}
	if color == "" {
		color = defaultListColor
	}
	if !slices.Contains(ListIcons, icon) {
		return domain.List{}, &domain.ValidationError{Field: "icon", Msg: "unknown icon " + icon}
	}
	if !slices.Contains(ListColors, color) {
		return domain.List{}, &domain.ValidationError{Field: "color", Msg: "unknown color " + color}
	}

	var l domain.List
	_, err := updateJSON(ctx, s, customListsKey(userID), func(lists []domain.List) ([]domain.List, error) {
		ms := s.now().UnixMilli()
		id := "list_" + strconv.FormatInt(ms, 10)
		for slices.ContainsFunc(lists, func(l domain.List) bool { return l.ID == id }) {
			ms++
			id = "list_" + strconv.FormatInt(ms, 10)
		}
		l = domain.List{ID: id, Title: title, Icon: icon, Color: color}
		return append(lists, l), nil
	})
	if err != nil {
		return domain.List{}, err
	}
	return l, nil
}

// DeleteCustomList removes a list definition. Tasks that reference it keep
// their list id.
func (s *Store) DeleteCustomList(ctx context.Context, userID, listID string) error {
	_, err := updateJSON(ctx, s, customListsKey(userID), func(lists []domain.List) ([]domain.List, error) {
		n := len(lists)
		lists = slices.DeleteFunc(lists, func(l domain.List) bool { return l.ID == listID })
		if len(lists) == n {
			return nil, domain.ErrNotFound
		}
		return lists, nil
	})
	return err
}
