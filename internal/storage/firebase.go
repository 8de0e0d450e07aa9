package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"chartink-webhook-go/internal/config"
	"chartink-webhook-go/internal/models"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

var firebaseScopes = []string{
	"https://www.googleapis.com/auth/firebase.database",
	"https://www.googleapis.com/auth/userinfo.email",
}

const connectionTestPath = "_connection_test"

// FirebaseTier writes records to a Firebase Realtime Database through its
// REST API, authenticated with a service account access token.
type FirebaseTier struct {
	cfg    config.Firebase
	client *resty.Client
	logger *zap.Logger

	init   initOnce
	tokens oauth2.TokenSource
}

// NewFirebaseTier creates the tier. Nothing is contacted until Initialize.
func NewFirebaseTier(cfg config.Firebase, logger *zap.Logger) *FirebaseTier {
	if cfg.Root == "" {
		cfg.Root = "chartink"
	}
	return &FirebaseTier{
		cfg:    cfg,
		client: resty.New().SetBaseURL(strings.TrimRight(cfg.DatabaseURL, "/")),
		logger: logger.Named("firebase"),
	}
}

func (f *FirebaseTier) Name() string { return config.TierFirebase }

// Root is the top-level node records are written under.
func (f *FirebaseTier) Root() string { return f.cfg.Root }

// Initialize validates the service account and obtains an access token.
func (f *FirebaseTier) Initialize(ctx context.Context) error {
	return f.init.Do(ctx, func(ctx context.Context) error {
		if f.cfg.DatabaseURL == "" {
			return fmt.Errorf("firebase database url: %w", ErrNotConfigured)
		}
		if f.tokens == nil {
			ts, err := f.credentials()
			if err != nil {
				return err
			}
			f.tokens = ts
		}
		if _, err := f.token(ctx); err != nil {
			return err
		}
		f.logger.Info("Firebase initialized", zap.String("database_url", f.cfg.DatabaseURL))
		return nil
	})
}

func (f *FirebaseTier) credentials() (oauth2.TokenSource, error) {
	if f.cfg.ServiceAccount == "" {
		return nil, fmt.Errorf("firebase service account: %w", ErrNotConfigured)
	}
	var sa struct {
		ProjectID string `json:"project_id"`
	}
	if err := json.Unmarshal([]byte(f.cfg.ServiceAccount), &sa); err != nil {
		return nil, fmt.Errorf("invalid firebase service account JSON: %w", err)
	}
	if sa.ProjectID == "" {
		return nil, fmt.Errorf("invalid service account: missing project_id")
	}
	// Token refreshes outlive the request that triggered initialization.
	creds, err := google.CredentialsFromJSON(context.Background(), []byte(f.cfg.ServiceAccount), firebaseScopes...)
	if err != nil {
		return nil, fmt.Errorf("failed to load firebase credentials: %w", err)
	}
	return creds.TokenSource, nil
}

// token fetches an access token, giving up when ctx ends.
func (f *FirebaseTier) token(ctx context.Context) (string, error) {
	if f.tokens == nil {
		return "", fmt.Errorf("firebase is not initialized")
	}
	type result struct {
		tok *oauth2.Token
		err error
	}
	ch := make(chan result, 1)
	go func() {
		tok, err := f.tokens.Token()
		ch <- result{tok, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return "", fmt.Errorf("failed to obtain firebase access token: %w", r.err)
		}
		return r.tok.AccessToken, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (f *FirebaseTier) request(ctx context.Context) (*resty.Request, error) {
	tok, err := f.token(ctx)
	if err != nil {
		return nil, err
	}
	return f.client.R().SetContext(ctx).SetQueryParam("access_token", tok), nil
}

// Write stores record at path (root/YYYYMMDD/id). A PUT to the same path is
// idempotent, so a late duplicate write overwrites itself.
func (f *FirebaseTier) Write(ctx context.Context, path string, record *models.StorageRecord) error {
	req, err := f.request(ctx)
	if err != nil {
		return err
	}
	resp, err := req.
		SetHeader("Content-Type", "application/json").
		SetBody(record).
		Put("/" + path + ".json")
	if err != nil {
		return fmt.Errorf("firebase write failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("firebase write failed with status %s: %s", resp.Status(), resp.String())
	}
	return nil
}

// ReadDate returns every record stored under root/date.
func (f *FirebaseTier) ReadDate(ctx context.Context, date string) ([]*models.StorageRecord, error) {
	req, err := f.request(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := req.Get(fmt.Sprintf("/%s/%s.json", f.cfg.Root, date))
	if err != nil {
		return nil, fmt.Errorf("firebase read failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("firebase read failed with status %s: %s", resp.Status(), resp.String())
	}

	var nodes map[string]*models.StorageRecord
	if err := json.Unmarshal(resp.Body(), &nodes); err != nil {
		return nil, fmt.Errorf("failed to decode firebase data for %s: %w", date, err)
	}
	records := make([]*models.StorageRecord, 0, len(nodes))
	for key, r := range nodes {
		if r == nil {
			continue
		}
		if r.Metadata.ID == "" {
			r.Metadata.ID = key
		}
		records = append(records, r)
	}
	return records, nil
}

// Dates lists the date directories under root, newest first.
func (f *FirebaseTier) Dates(ctx context.Context) ([]string, error) {
	req, err := f.request(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := req.SetQueryParam("shallow", "true").Get("/" + f.cfg.Root + ".json")
	if err != nil {
		return nil, fmt.Errorf("firebase read failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("firebase read failed with status %s", resp.Status())
	}

	var keys map[string]any
	if err := json.Unmarshal(resp.Body(), &keys); err != nil {
		return nil, fmt.Errorf("failed to decode firebase dates: %w", err)
	}
	dates := make([]string, 0, len(keys))
	for k := range keys {
		if models.IsDateDirectory(k) {
			dates = append(dates, k)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	return dates, nil
}

// Probe writes a connection test node and removes it again.
func (f *FirebaseTier) Probe(ctx context.Context) error {
	req, err := f.request(ctx)
	if err != nil {
		return err
	}
	marker := map[string]any{
		"timestamp": time.Now().UnixMilli(),
		"test":      true,
		"date":      models.DateDirectory(time.Now()),
	}
	resp, err := req.SetBody(marker).Put("/" + connectionTestPath + ".json")
	if err != nil {
		return fmt.Errorf("firebase probe write failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("firebase probe write failed with status %s", resp.Status())
	}

	req, err = f.request(ctx)
	if err != nil {
		return err
	}
	resp, err = req.Delete("/" + connectionTestPath + ".json")
	if err != nil {
		return fmt.Errorf("firebase probe cleanup failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("firebase probe cleanup failed with status %s", resp.Status())
	}
	return nil
}
