package chat

import (
	"errors"
	"strings"
)

// MessageType tags the payload variant stored in a message row.
type MessageType string

const (
	TypeText   MessageType = "text"
	TypeImage  MessageType = "image"
	TypeVideo  MessageType = "video"
	TypeAudio  MessageType = "audio"
	TypeFile   MessageType = "file"
	TypeGif    MessageType = "gif"
	TypeSystem MessageType = "system"
)

var (
	ErrUnknownMessageType = errors.New("chat: unknown message type")
	ErrMissingMediaURL    = errors.New("chat: media url required")
)

// Payload is the content of a message. The variants are Text, Image, Video, Audio, File, Gif
// and System.
type Payload interface {
	Type() MessageType
	payload()
}

type Text struct {
	Body string
}

type Image struct {
	Caption      string
	URL          string
	MimeType     string
	ThumbnailURL string
}

type Video struct {
	Caption         string
	URL             string
	MimeType        string
	ThumbnailURL    string
	DurationSeconds float64
}

type Audio struct {
	URL             string
	MimeType        string
	DurationSeconds float64
}

type File struct {
	URL      string
	MimeType string
	Name     string
	Size     int64
}

type Gif struct {
	URL     string
	Caption string
}

// System is a service-authored notice inside a conversation.
type System struct {
	Body string
}

func (Text) Type() MessageType   { return TypeText }
func (Image) Type() MessageType  { return TypeImage }
func (Video) Type() MessageType  { return TypeVideo }
func (Audio) Type() MessageType  { return TypeAudio }
func (File) Type() MessageType   { return TypeFile }
func (Gif) Type() MessageType    { return TypeGif }
func (System) Type() MessageType { return TypeSystem }

func (Text) payload()   {}
func (Image) payload()  {}
func (Video) payload()  {}
func (Audio) payload()  {}
func (File) payload()   {}
func (Gif) payload()    {}
func (System) payload() {}

// PayloadFields is the flat wire form of a payload.
type PayloadFields struct {
	Type         MessageType
	Content      string
	MediaURL     string
	MediaType    string
	FileName     string
	FileSize     int64
	ThumbnailURL string
	Duration     float64
}

// NewPayload builds the variant named by fields.Type. An empty type means text. System
// payloads cannot be built from wire input.
func NewPayload(fields PayloadFields) (Payload, error) {
	switch fields.Type {
	case TypeText, "":
		return Text{Body: fields.Content}, nil
	case TypeImage:
		return Image{Caption: fields.Content, URL: fields.MediaURL, MimeType: fields.MediaType, ThumbnailURL: fields.ThumbnailURL}, nil
	case TypeVideo:
		return Video{Caption: fields.Content, URL: fields.MediaURL, MimeType: fields.MediaType, ThumbnailURL: fields.ThumbnailURL, DurationSeconds: fields.Duration}, nil
	case TypeAudio:
		return Audio{URL: fields.MediaURL, MimeType: fields.MediaType, DurationSeconds: fields.Duration}, nil
	case TypeFile:
		return File{URL: fields.MediaURL, MimeType: fields.MediaType, Name: fields.FileName, Size: fields.FileSize}, nil
	case TypeGif:
		return Gif{URL: fields.MediaURL, Caption: fields.Content}, nil
	default:
		return nil, ErrUnknownMessageType
	}
}

// encodePayload validates the payload and writes it onto the row.
func encodePayload(p Payload, row *Message) error {
	row.Type = p.Type()
	switch v := p.(type) {
	case Text:
		body := strings.TrimSpace(v.Body)
		if body == "" {
			return ErrEmptyContent
		}
		row.Content = body
	case System:
		body := strings.TrimSpace(v.Body)
		if body == "" {
			return ErrEmptyContent
		}
		row.Content = body
	case Image:
		row.Content = strings.TrimSpace(v.Caption)
		row.MediaURL = optional(v.URL)
		row.MediaType = optional(v.MimeType)
		row.ThumbnailURL = optional(v.ThumbnailURL)
	case Video:
		row.Content = strings.TrimSpace(v.Caption)
		row.MediaURL = optional(v.URL)
		row.MediaType = optional(v.MimeType)
		row.ThumbnailURL = optional(v.ThumbnailURL)
		row.Duration = positive(v.DurationSeconds)
	case Audio:
		row.MediaURL = optional(v.URL)
		row.MediaType = optional(v.MimeType)
		row.Duration = positive(v.DurationSeconds)
	case File:
		row.MediaURL = optional(v.URL)
		row.MediaType = optional(v.MimeType)
		row.FileName = optional(v.Name)
		if v.Size > 0 {
			size := v.Size
			row.FileSize = &size
		}
	case Gif:
		row.Content = strings.TrimSpace(v.Caption)
		row.MediaURL = optional(v.URL)
	default:
		return ErrUnknownMessageType
	}
	if row.Type != TypeText && row.Type != TypeSystem && row.MediaURL == nil {
		return ErrMissingMediaURL
	}
	return nil
}

// Payload decodes the row back into its variant.
func (m Message) Payload() Payload {
	switch m.Type {
	case TypeImage:
		return Image{Caption: m.Content, URL: deref(m.MediaURL), MimeType: deref(m.MediaType), ThumbnailURL: deref(m.ThumbnailURL)}
	case TypeVideo:
		return Video{Caption: m.Content, URL: deref(m.MediaURL), MimeType: deref(m.MediaType), ThumbnailURL: deref(m.ThumbnailURL), DurationSeconds: derefFloat(m.Duration)}
	case TypeAudio:
		return Audio{URL: deref(m.MediaURL), MimeType: deref(m.MediaType), DurationSeconds: derefFloat(m.Duration)}
	case TypeFile:
		size := int64(0)
		if m.FileSize != nil {
			size = *m.FileSize
		}
		return File{URL: deref(m.MediaURL), MimeType: deref(m.MediaType), Name: deref(m.FileName), Size: size}
	case TypeGif:
		return Gif{URL: deref(m.MediaURL), Caption: m.Content}
	case TypeSystem:
		return System{Body: m.Content}
	default:
		return Text{Body: m.Content}
	}
}

// preview is the one-line text used for push bodies.
func preview(p Payload) string {
	switch v := p.(type) {
	case Text:
		return truncate(v.Body, 120)
	case System:
		return truncate(v.Body, 120)
	case Image:
		return "Sent a photo"
	case Video:
		return "Sent a video"
	case Audio:
		return "Sent a voice message"
	case File:
		return "Sent a file"
	case Gif:
		return "Sent a GIF"
	default:
		return "Sent a message"
	}
}

func truncate(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit-1]) + "…"
}

func optional(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func positive(value float64) *float64 {
	if value <= 0 {
		return nil
	}
	return &value
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func derefFloat(value *float64) float64 {
	if value == nil {
		return 0
	}
	return *value
}
