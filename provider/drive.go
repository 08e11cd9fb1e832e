package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/omnivault/sync-engine/models"
)

const defaultDrivePageSize = 100

// Drive syncs file metadata from the drive provider and maps it to document
// and folder nodes with OWNED_BY / CHILD_OF edges. Trashed files are dropped
// at the listing boundary and never become records.
type Drive struct {
	rest
	pageSize int
}

func NewDrive(opts Options) *Drive {
	size := opts.PageSize
	if size <= 0 {
		size = defaultDrivePageSize
	}

	return &Drive{rest: newREST(models.ProviderDrive, opts), pageSize: size}
}

func (d *Drive) Name() string {
	return models.ProviderDrive
}

type driveListResponse struct {
	Files         []json.RawMessage `json:"files"`
	NextPageToken string            `json:"nextPageToken"`
}

type driveFile struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	MimeType string   `json:"mimeType"`
	Parents  []string `json:"parents"`
	Owners   []struct {
		EmailAddress string `json:"emailAddress"`
		DisplayName  string `json:"displayName"`
	} `json:"owners"`
	ModifiedTime string `json:"modifiedTime"`
	Size         int64  `json:"size"`
	WebViewLink  string `json:"webViewLink"`
	Trashed      bool   `json:"trashed"`
}

func (d *Drive) ListPage(ctx context.Context, q Query) (Page, error) {
	params := url.Values{}
	params.Set("pageSize", strconv.Itoa(pageSize(q.PageSize, d.pageSize)))

	if q.PageToken != "" {
		params.Set("pageToken", q.PageToken)
	}

	if !q.From.IsZero() {
		params.Set("modifiedSince", q.From.UTC().Format(time.RFC3339))
	}

	var resp driveListResponse
	if err := d.getJSON(ctx, q.UserID, "/files", params, &resp); err != nil {
		return Page{}, err
	}

	page := Page{
		Items:     make([]RawRecord, 0, len(resp.Files)),
		NextToken: resp.NextPageToken,
	}

	for _, raw := range resp.Files {
		rec, trashed, err := driveRecord(raw)
		if err != nil {
			return Page{}, Classify(d.name, err)
		}

		if trashed {
			continue
		}

		page.Items = append(page.Items, rec)
	}

	return page, nil
}

func (d *Drive) GetOne(ctx context.Context, userID, externalID string) (RawRecord, error) {
	var raw json.RawMessage
	if err := d.getJSON(ctx, userID, "/files/"+url.PathEscape(externalID), nil, &raw); err != nil {
		return RawRecord{}, err
	}

	rec, _, err := driveRecord(raw)
	if err != nil {
		return RawRecord{}, Classify(d.name, err)
	}

	return rec, nil
}

func (d *Drive) MapRecord(userID string, rec RawRecord) (Mapped, error) {
	var f driveFile
	if err := json.Unmarshal(rec.Raw, &f); err != nil {
		return Mapped{}, fmt.Errorf("decode file %s: %w", rec.ExternalID, err)
	}

	modified := parseRFC3339(f.ModifiedTime)

	node := models.Node{
		UserID:     userID,
		Provider:   models.ProviderDrive,
		ExternalID: f.ID,
		Kind:       driveKind(f.MimeType),
		Title:      f.Name,
		ModifiedAt: modified,
		Metadata: models.Map{
			"mimeType":    f.MimeType,
			"size":        f.Size,
			"webViewLink": f.WebViewLink,
		},
	}
	if !modified.IsZero() {
		node.Timestamp = &modified
	}

	out := Mapped{Node: node}
	key := node.Key()

	for _, owner := range f.Owners {
		if p, ok := personFromParts(userID, owner.EmailAddress, owner.DisplayName); ok {
			out.Extra = append(out.Extra, p)
			out.Edges = append(out.Edges, Edge{Source: key, Target: p.Key(), Kind: models.RelOwnedBy})
		}
	}

	for _, parent := range f.Parents {
		if parent == "" {
			continue
		}

		folder := models.Node{
			UserID:     userID,
			Provider:   models.ProviderDrive,
			ExternalID: parent,
			Kind:       models.NodeKindFolder,
		}

		out.Extra = append(out.Extra, folder)
		out.Edges = append(out.Edges, Edge{Source: key, Target: folder.Key(), Kind: models.RelChildOf})
	}

	return out, nil
}

// driveKind maps a mime type to a node kind; folder mime types vary by
// deployment so the match is deliberately loose.
func driveKind(mimeType string) string {
	if strings.Contains(strings.ToLower(mimeType), "folder") {
		return models.NodeKindFolder
	}

	return models.NodeKindDocument
}

func driveRecord(raw json.RawMessage) (RawRecord, bool, error) {
	var env struct {
		ID           string `json:"id"`
		ModifiedTime string `json:"modifiedTime"`
		Trashed      bool   `json:"trashed"`
	}

	if err := json.Unmarshal(raw, &env); err != nil {
		return RawRecord{}, false, fmt.Errorf("malformed file item: %w", err)
	}

	if env.ID == "" {
		return RawRecord{}, false, fmt.Errorf("file item missing id")
	}

	rec := RawRecord{
		ExternalID: env.ID,
		ModifiedAt: parseRFC3339(env.ModifiedTime),
		Raw:        raw,
	}

	return rec, env.Trashed, nil
}
