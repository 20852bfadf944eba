package domain

import (
	"net/url"
	"strings"
	"time"
)

// AvatarKind selects which variant of Avatar is populated.
type AvatarKind string

const (
	AvatarNone   AvatarKind = ""
	AvatarURL    AvatarKind = "url"
	AvatarInline AvatarKind = "inline"
	AvatarIcon   AvatarKind = "icon"
)

// MaxInlineAvatar bounds a base64 data URI so it fits a table string
// property, which holds at most 64 KiB of UTF-16.
const MaxInlineAvatar = 32*1024 - 1

// Avatar is a profile picture: a remote URL, an inline image data URI, or a
// named icon with a color. The kind is chosen by the writer and stored next
// to the payload.
type Avatar struct {
	Kind AvatarKind `json:"kind"`
	URL  string     `json:"url,omitempty"`
	Data string     `json:"data,omitempty"`
	Icon *IconRef   `json:"icon,omitempty"`
}

// IconRef names a built-in icon and its tint.
type IconRef struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

func URLAvatar(u string) Avatar { return Avatar{Kind: AvatarURL, URL: u} }

func InlineAvatar(data string) Avatar { return Avatar{Kind: AvatarInline, Data: data} }

func IconAvatar(name, color string) Avatar {
	return Avatar{Kind: AvatarIcon, Icon: &IconRef{Name: name, Color: color}}
}

// Validate checks that exactly the fields of the selected kind are set.
func (a Avatar) Validate() error {
	switch a.Kind {
	case AvatarNone:
		if a.URL != "" || a.Data != "" || a.Icon != nil {
			return &ValidationError{Field: "avatar", Msg: "kind is required"}
		}
	case AvatarURL:
		u, err := url.Parse(a.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return &ValidationError{Field: "avatar.url", Msg: "must be an http(s) URL"}
		}
		if a.Data != "" || a.Icon != nil {
			return &ValidationError{Field: "avatar", Msg: "url avatar carries extra fields"}
		}
	case AvatarInline:
		if !strings.HasPrefix(a.Data, "data:image/") || !strings.Contains(a.Data, ";base64,") {
			return &ValidationError{Field: "avatar.data", Msg: "must be a base64 image data URI"}
		}
		if len(a.Data) > MaxInlineAvatar {
			return &ValidationError{Field: "avatar.data", Msg: "image too large"}
		}
		if a.URL != "" || a.Icon != nil {
			return &ValidationError{Field: "avatar", Msg: "inline avatar carries extra fields"}
		}
	case AvatarIcon:
		if a.Icon == nil || a.Icon.Name == "" || a.Icon.Color == "" {
			return &ValidationError{Field: "avatar.icon", Msg: "name and color are required"}
		}
		if a.URL != "" || a.Data != "" {
			return &ValidationError{Field: "avatar", Msg: "icon avatar carries extra fields"}
		}
	default:
		return &ValidationError{Field: "avatar.kind", Msg: "unknown kind " + string(a.Kind)}
	}
	return nil
}

// Profile is the account data shown on the profile screen.
type Profile struct {
	UserID    string    `json:"userId"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Avatar    Avatar    `json:"avatar"`
	CreatedAt time.Time `json:"createdAt"`
}

// DefaultProfileName is shown until the user picks a name.
const DefaultProfileName = "User"
