package queue

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"

	scanerrors "github.com/adverant/nexus/scanprocess-worker/internal/errors"
	"github.com/adverant/nexus/scanprocess-worker/internal/layout"
	"github.com/adverant/nexus/scanprocess-worker/internal/pipeline"
	"github.com/adverant/nexus/scanprocess-worker/internal/processor"
	"github.com/adverant/nexus/scanprocess-worker/internal/raster"
)

// JobPayload is a scan job as producers enqueue it. Options and Layout stay
// raw so they can be decoded over the worker's defaults.
type JobPayload struct {
	JobID      string                 `json:"jobId"`
	UserID     string                 `json:"userId"`
	Images     []ImagePayload         `json:"images"`
	Options    json.RawMessage        `json:"options,omitempty"`
	OutputMode string                 `json:"outputMode,omitempty"`
	Layout     json.RawMessage        `json:"layout,omitempty"`
	Format     string                 `json:"format,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// ImagePayload is one source image. Options override the job options.
type ImagePayload struct {
	Filename   string          `json:"filename,omitempty"`
	FileSize   int64           `json:"fileSize,omitempty"`
	FileURL    string          `json:"fileUrl,omitempty"`
	FileBuffer []byte          `json:"-"` // Set by UnmarshalJSON
	Options    json.RawMessage `json:"options,omitempty"`
}

// MarshalJSON writes FileBuffer as base64.
func (p ImagePayload) MarshalJSON() ([]byte, error) {
	type Alias ImagePayload
	return json.Marshal(&struct {
		FileBuffer []byte `json:"fileBuffer,omitempty"`
		Alias
	}{FileBuffer: p.FileBuffer, Alias: Alias(p)})
}

// UnmarshalJSON handles Buffer serialization. fileBuffer may be a base64
// string or a Node.js Buffer object ({"type":"Buffer","data":[...]}). A bare
// JSON string is taken as the file URL.
func (p *ImagePayload) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &p.FileURL)
	}

	type Alias ImagePayload
	aux := &struct {
		FileBuffer interface{} `json:"fileBuffer,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(p),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("failed to unmarshal image payload: %w", err)
	}

	buf, err := decodeFileBuffer(aux.FileBuffer)
	if err != nil {
		return err
	}
	p.FileBuffer = buf
	return nil
}

// UnmarshalJSON accepts every image key producers use. The first non-empty
// list of imageUrls, images, files and list wins; entries may be URL strings
// or image objects, and empty entries are dropped. Without a list, a single
// imageUrl or the top-level fileBuffer/fileUrl of older producers makes a
// one-image job.
func (p *JobPayload) UnmarshalJSON(data []byte) error {
	// Alias has no methods, so this does not recurse.
	type Alias JobPayload
	aux := &struct {
		*Alias
		ImageURL  string         `json:"imageUrl,omitempty"`
		ImageURLs []ImagePayload `json:"imageUrls,omitempty"`
		Files     []ImagePayload `json:"files,omitempty"`
		List      []ImagePayload `json:"list,omitempty"`
	}{Alias: (*Alias)(p)}
	if err := json.Unmarshal(data, aux); err != nil {
		return fmt.Errorf("failed to unmarshal JobPayload: %w", err)
	}

	for _, list := range [][]ImagePayload{aux.ImageURLs, p.Images, aux.Files, aux.List} {
		if images := withSource(list); len(images) > 0 {
			p.Images = images
			return nil
		}
	}
	p.Images = nil
	if aux.ImageURL != "" {
		p.Images = []ImagePayload{{FileURL: aux.ImageURL}}
		return nil
	}

	var single ImagePayload
	if err := json.Unmarshal(data, &single); err != nil {
		return fmt.Errorf("failed to unmarshal JobPayload: %w", err)
	}
	if len(single.FileBuffer) > 0 || single.FileURL != "" {
		// Top-level options belong to the job, not the image.
		single.Options = nil
		p.Images = []ImagePayload{single}
	}
	return nil
}

// withSource drops entries that carry neither a URL nor file bytes.
func withSource(images []ImagePayload) []ImagePayload {
	var out []ImagePayload
	for _, img := range images {
		if img.FileURL != "" || len(img.FileBuffer) > 0 {
			out = append(out, img)
		}
	}
	return out
}

func decodeFileBuffer(v interface{}) ([]byte, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil

	case string:
		decoded, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 fileBuffer: %w", err)
		}
		return decoded, nil

	case map[string]interface{}:
		if bufferType, ok := v["type"].(string); !ok || bufferType != "Buffer" {
			return nil, fmt.Errorf("invalid Buffer object format (missing or incorrect 'type' field)")
		}
		dataArray, ok := v["data"].([]interface{})
		if !ok {
			return nil, fmt.Errorf("Buffer object missing 'data' array")
		}
		out := make([]byte, len(dataArray))
		for i, val := range dataArray {
			byteVal, ok := val.(float64)
			if !ok || byteVal < 0 || byteVal > 255 {
				return nil, fmt.Errorf("invalid byte value in Buffer data array at index %d", i)
			}
			out[i] = byte(byteVal)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("fileBuffer must be either base64 string or Buffer object, got %T", v)
	}
}

// ToScanRequest resolves the payload against the worker defaults. Options
// are layered: DefaultOptions, then the job options, then the image options.
func (p *JobPayload) ToScanRequest(defaultLayout layout.Layout) (*processor.ScanRequest, error) {
	if p.JobID == "" {
		return nil, scanerrors.NewInvalidOptionsError("jobId is required")
	}
	if len(p.Images) == 0 {
		return nil, scanerrors.NewEmptyBatchError().WithJob(p.JobID)
	}

	base := pipeline.DefaultOptions()
	if len(p.Options) > 0 {
		if err := json.Unmarshal(p.Options, &base); err != nil {
			return nil, invalidPayload(p.JobID, "options", err)
		}
	}

	lay := defaultLayout
	if len(p.Layout) > 0 {
		if err := json.Unmarshal(p.Layout, &lay); err != nil {
			return nil, invalidPayload(p.JobID, "layout", err)
		}
	}

	var format raster.Format
	if p.Format != "" {
		f, err := raster.ParseFormat(p.Format)
		if err != nil {
			return nil, invalidPayload(p.JobID, "format", err)
		}
		format = f
	}

	req := &processor.ScanRequest{
		JobID:    p.JobID,
		UserID:   p.UserID,
		Mode:     pipeline.ParseMode(p.OutputMode),
		Layout:   &lay,
		Format:   format,
		Metadata: p.Metadata,
		Images:   make([]processor.ImageSource, 0, len(p.Images)),
	}

	for i, img := range p.Images {
		opts := base
		if len(img.Options) > 0 {
			if err := json.Unmarshal(img.Options, &opts); err != nil {
				return nil, invalidPayload(p.JobID, fmt.Sprintf("images[%d].options", i), err)
			}
		}
		req.Images = append(req.Images, processor.ImageSource{
			Buffer:   img.FileBuffer,
			URL:      img.FileURL,
			FileSize: img.FileSize,
			Options:  opts,
		})
	}

	return req, nil
}

func invalidPayload(jobID, field string, err error) error {
	return scanerrors.NewInvalidOptionsError(fmt.Sprintf("invalid %s: %v", field, err)).WithJob(jobID)
}

// retryable reports whether running the job again could succeed.
func retryable(err error) bool {
	switch scanerrors.CodeOf(err) {
	case scanerrors.ErrorInvalidOptions,
		scanerrors.ErrorEmptyBatch,
		scanerrors.ErrorUnsupportedFormat,
		scanerrors.ErrorDecodeFailed:
		return false
	}
	return true
}
