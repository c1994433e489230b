package notes

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// ExportedNote is the wire form of a note file: the metadata envelope plus
// the canvas payload. This is the shape uploaded to and downloaded from
// every backend.
type ExportedNote struct {
	Note   NoteMeta      `json:"note"`
	Canvas CanvasPayload `json:"canvas"`
}

// NoteMeta carries the note fields the engine reasons about.
type NoteMeta struct {
	ID         int64     `json:"id"`
	Title      string    `json:"title"`
	ModifiedAt time.Time `json:"modified_at"`
	Tags       []string  `json:"tags"`
}

// CanvasPayload is the typed canvas envelope. Individual strokes and text
// elements stay raw; their structure belongs to the renderer.
type CanvasPayload struct {
	Strokes      []json.RawMessage `json:"strokes"`
	TextElements []json.RawMessage `json:"text_elements"`
	Matrix       [16]float64       `json:"matrix"`
	Scale        float64           `json:"scale"`
}

// ExportedFolder is the wire form of a folder metadata file.
type ExportedFolder struct {
	Folder FolderMeta `json:"folder"`
}

// FolderMeta carries the folder fields stored remotely.
type FolderMeta struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	ParentID   int64     `json:"parent_id,omitempty"`
	ModifiedAt time.Time `json:"modified_at"`
}

// IdentityMatrix returns the 4x4 identity transform, the canvas default.
func IdentityMatrix() [16]float64 {
	var m [16]float64
	m[0], m[5], m[10], m[15] = 1, 1, 1, 1
	return m
}

// EncodeNote serializes a snapshot into the exported wire form. Tags are
// normalized and an empty canvas payload becomes an identity canvas.
func EncodeNote(s NoteSnapshot) ([]byte, error) {
	canvas, err := DecodeCanvas(s.CanvasPayload)
	if err != nil {
		return nil, fmt.Errorf("encoding note %d: %w", s.ID, err)
	}

	exported := ExportedNote{
		Note: NoteMeta{
			ID:         s.ID,
			Title:      s.Title,
			ModifiedAt: s.ModifiedAt,
			Tags:       NormalizeTags(s.Tags),
		},
		Canvas: canvas,
	}

	data, err := json.Marshal(exported)
	if err != nil {
		return nil, fmt.Errorf("encoding note %d: %w", s.ID, err)
	}
	return data, nil
}

// DecodeNote parses and validates an exported note payload.
func DecodeNote(data []byte) (*ExportedNote, error) {
	var exported ExportedNote
	if err := json.Unmarshal(data, &exported); err != nil {
		return nil, fmt.Errorf("decoding note payload: %w", err)
	}
	if exported.Note.ID <= 0 {
		return nil, fmt.Errorf("decoding note payload: missing or invalid note id")
	}
	exported.Note.Tags = NormalizeTags(exported.Note.Tags)
	return &exported, nil
}

// DecodeCanvas parses raw canvas bytes. Empty input yields the identity
// canvas rather than an error so notes without drawings stay syncable.
func DecodeCanvas(data []byte) (CanvasPayload, error) {
	if len(data) == 0 {
		return CanvasPayload{Matrix: IdentityMatrix(), Scale: 1}, nil
	}
	var canvas CanvasPayload
	if err := json.Unmarshal(data, &canvas); err != nil {
		return CanvasPayload{}, fmt.Errorf("decoding canvas payload: %w", err)
	}
	return canvas, nil
}

// CanvasJSON re-serializes the canvas half for handing to the local store.
func (e *ExportedNote) CanvasJSON() ([]byte, error) {
	data, err := json.Marshal(e.Canvas)
	if err != nil {
		return nil, fmt.Errorf("encoding canvas for note %d: %w", e.Note.ID, err)
	}
	return data, nil
}

// Snapshot converts the exported form back into a local snapshot.
func (e *ExportedNote) Snapshot() (NoteSnapshot, error) {
	canvas, err := e.CanvasJSON()
	if err != nil {
		return NoteSnapshot{}, err
	}
	return NoteSnapshot{
		ID:            e.Note.ID,
		Title:         e.Note.Title,
		Tags:          e.Note.Tags,
		ModifiedAt:    e.Note.ModifiedAt,
		CanvasPayload: canvas,
	}, nil
}

// EncodeFolder serializes a folder snapshot into its wire form.
func EncodeFolder(f FolderSnapshot) ([]byte, error) {
	exported := ExportedFolder{
		Folder: FolderMeta{
			ID:         f.ID,
			Name:       f.Name,
			ParentID:   f.ParentID,
			ModifiedAt: f.ModifiedAt,
		},
	}
	data, err := json.Marshal(exported)
	if err != nil {
		return nil, fmt.Errorf("encoding folder %d: %w", f.ID, err)
	}
	return data, nil
}

// DecodeFolder parses and validates an exported folder payload.
func DecodeFolder(data []byte) (*ExportedFolder, error) {
	var exported ExportedFolder
	if err := json.Unmarshal(data, &exported); err != nil {
		return nil, fmt.Errorf("decoding folder payload: %w", err)
	}
	if exported.Folder.ID <= 0 {
		return nil, fmt.Errorf("decoding folder payload: missing or invalid folder id")
	}
	return &exported, nil
}

// PeekNoteID cheaply extracts note.id from a payload without a full
// decode. Returns false when the payload is not valid JSON or the field
// is absent.
func PeekNoteID(data []byte) (int64, bool) {
	if !gjson.ValidBytes(data) {
		return 0, false
	}
	id := gjson.GetBytes(data, "note.id")
	if !id.Exists() || id.Type != gjson.Number {
		return 0, false
	}
	return id.Int(), true
}

// PeekModifiedAt cheaply extracts note.modified_at from a payload.
func PeekModifiedAt(data []byte) (time.Time, bool) {
	if !gjson.ValidBytes(data) {
		return time.Time{}, false
	}
	raw := gjson.GetBytes(data, "note.modified_at")
	if !raw.Exists() {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, raw.String())
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
