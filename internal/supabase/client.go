// Package supabase は上流BaaS（認証・RESTテーブル・オブジェクトストレージ）のHTTPクライアントを提供する。
//
// すべてのリクエストは匿名キーをapikeyヘッダーに付与する。
// 特権操作（プロフィール参照、photosテーブル操作、ストレージ操作）は
// さらにサービスキーをBearerとして付与する。エンドユーザーのセッショントークンは上流へ転送しない。
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/photogate/internal/metrics"
	"github.com/hitoshi/photogate/internal/model"
)

const (
	authPath    = "/auth/v1/token"
	restPath    = "/rest/v1/"
	storagePath = "/storage/v1/object/"

	// maxErrorBodySize はログに残す上流エラーボディの最大バイト数。
	maxErrorBodySize = 2048
)

// 上流操作名。メトリクスのラベルとUpstreamError.Operationに使う。
const (
	OpPasswordGrant  = "auth.password_grant"
	OpProfilesSelect = "rest.profiles.select"
	OpPhotosList     = "rest.photos.list"
	OpPhotosInsert   = "rest.photos.insert"
	OpPhotosSelect   = "rest.photos.select"
	OpPhotosDelete   = "rest.photos.delete"
	OpObjectUpload   = "storage.upload"
	OpObjectDelete   = "storage.delete"
)

// Config は上流クライアントの設定。
type Config struct {
	BaseURL    string
	AnonKey    string
	ServiceKey string
	Bucket     string
}

// Client は上流BaaSのクライアント。
// 設定は構築後に変更しないため、複数のgoroutineから共有できる。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    metrics.MetricsCollector
	baseURL    string
	anonKey    string
	serviceKey string
	bucket     string
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, cfg Config, logger *slog.Logger, collector metrics.MetricsCollector) *Client {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		metrics:    collector,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		anonKey:    cfg.AnonKey,
		serviceKey: cfg.ServiceKey,
		bucket:     cfg.Bucket,
	}
}

// AuthUser はパスワードグラントのレスポンスに含まれるユーザー情報。
type AuthUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type passwordGrantResponse struct {
	User *AuthUser `json:"user"`
}

// SignInWithPassword はメールアドレスとパスワードを上流IdPで検証する。
// 匿名キーのみを使用する。非2xxの場合は*model.UpstreamErrorを返す。
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*AuthUser, error) {
	body, err := json.Marshal(map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode credentials: %w", err)
	}

	q := url.Values{}
	q.Set("grant_type", "password")

	respBody, err := c.do(ctx, request{
		op:     OpPasswordGrant,
		method: http.MethodPost,
		url:    c.baseURL + authPath + "?" + q.Encode(),
		body:   body,
		header: http.Header{"Content-Type": {"application/json"}},
	})
	if err != nil {
		return nil, err
	}
	if len(respBody) == 0 {
		return nil, fmt.Errorf("empty response from %s", OpPasswordGrant)
	}

	var resp passwordGrantResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", OpPasswordGrant, err)
	}
	if resp.User == nil || resp.User.ID == "" {
		return nil, fmt.Errorf("%s response has no user id", OpPasswordGrant)
	}
	return resp.User, nil
}

// FindProfiles はユーザーIDでprofilesテーブルを検索する。
func (c *Client) FindProfiles(ctx context.Context, userID string) ([]model.Profile, error) {
	q := url.Values{}
	q.Set("select", "role")
	q.Set("id", "eq."+userID)

	var profiles []model.Profile
	if err := c.getJSON(ctx, OpProfilesSelect, c.restURL("profiles", q), &profiles); err != nil {
		return nil, err
	}
	return profiles, nil
}

// ListPhotos はphotosテーブルの全行を上流の返却順で取得する。
func (c *Client) ListPhotos(ctx context.Context) ([]model.PhotoRecord, error) {
	q := url.Values{}
	q.Set("select", "*")

	var photos []model.PhotoRecord
	if err := c.getJSON(ctx, OpPhotosList, c.restURL("photos", q), &photos); err != nil {
		return nil, err
	}
	if photos == nil {
		photos = []model.PhotoRecord{}
	}
	return photos, nil
}

// FindPhoto はIDでphotosテーブルの行を取得する。行が存在しない場合はnil, nilを返す。
func (c *Client) FindPhoto(ctx context.Context, id int64) (*model.PhotoRecord, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("id", "eq."+strconv.FormatInt(id, 10))

	var photos []model.PhotoRecord
	if err := c.getJSON(ctx, OpPhotosSelect, c.restURL("photos", q), &photos); err != nil {
		return nil, err
	}
	switch len(photos) {
	case 0:
		return nil, nil
	case 1:
		return &photos[0], nil
	default:
		return nil, fmt.Errorf("%s returned %d rows for id %d", OpPhotosSelect, len(photos), id)
	}
}

// InsertPhoto はphotosテーブルに行を挿入し、上流が作成した行を返す。
func (c *Client) InsertPhoto(ctx context.Context, row model.NewPhoto) (*model.PhotoRecord, error) {
	body, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("failed to encode photo row: %w", err)
	}

	q := url.Values{}
	q.Set("select", "*")

	header := c.elevatedHeader()
	header.Set("Content-Type", "application/json")
	header.Set("Prefer", "return=representation")

	respBody, err := c.do(ctx, request{
		op:     OpPhotosInsert,
		method: http.MethodPost,
		url:    c.restURL("photos", q),
		body:   body,
		header: header,
	})
	if err != nil {
		return nil, err
	}

	var created []model.PhotoRecord
	if err := json.Unmarshal(respBody, &created); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", OpPhotosInsert, err)
	}
	if len(created) == 0 {
		return nil, fmt.Errorf("%s returned no rows", OpPhotosInsert)
	}
	return &created[0], nil
}

// DeletePhotoRow はIDでphotosテーブルの行を削除する。
func (c *Client) DeletePhotoRow(ctx context.Context, id int64) error {
	q := url.Values{}
	q.Set("id", "eq."+strconv.FormatInt(id, 10))

	_, err := c.do(ctx, request{
		op:     OpPhotosDelete,
		method: http.MethodDelete,
		url:    c.restURL("photos", q),
		header: c.elevatedHeader(),
	})
	return err
}

// UploadObject はバケット内の指定パスにオブジェクトを書き込む。
func (c *Client) UploadObject(ctx context.Context, objectPath, contentType string, data []byte) error {
	header := c.elevatedHeader()
	header.Set("Content-Type", contentType)

	_, err := c.do(ctx, request{
		op:     OpObjectUpload,
		method: http.MethodPost,
		url:    c.objectURL(objectPath),
		body:   data,
		header: header,
	})
	return err
}

// DeleteObject はバケット内の指定パスのオブジェクトを削除する。
// ボディには削除対象のパスプレフィックスを列挙する。
func (c *Client) DeleteObject(ctx context.Context, objectPath string) error {
	body, err := json.Marshal(map[string][]string{
		"prefixes": {objectPath},
	})
	if err != nil {
		return fmt.Errorf("failed to encode delete body: %w", err)
	}

	header := c.elevatedHeader()
	header.Set("Content-Type", "application/json")

	_, err = c.do(ctx, request{
		op:     OpObjectDelete,
		method: http.MethodDelete,
		url:    c.objectURL(objectPath),
		body:   body,
		header: header,
	})
	return err
}

// PublicURL は保存パスから公開URLを導出する。
// 上流には問い合わせない。パスはobjectURLと同じくセグメント単位でエスケープする。
func (c *Client) PublicURL(objectPath string) string {
	return c.objectURL(objectPath)
}

// request は上流への1回のHTTP呼び出しを表す。
type request struct {
	op     string
	method string
	url    string
	body   []byte
	header http.Header
}

// getJSON は特権キーでGETし、レスポンスをoutにデコードする。
func (c *Client) getJSON(ctx context.Context, op, rawURL string, out any) error {
	respBody, err := c.do(ctx, request{
		op:     op,
		method: http.MethodGet,
		url:    rawURL,
		header: c.elevatedHeader(),
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}

// do はリクエストを実行し、2xxの場合はレスポンスボディを返す。
// 非2xxの場合は*model.UpstreamErrorを返す。リトライは行わない。
func (c *Client) do(ctx context.Context, r request) ([]byte, error) {
	var bodyReader io.Reader
	if r.body != nil {
		bodyReader = bytes.NewReader(r.body)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, r.url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", r.op, err)
	}
	for k, vs := range r.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordUpstreamCall(r.op, 0, time.Since(start))
		c.logger.Error("upstream request failed",
			slog.String("operation", r.op),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%s request failed: %w", r.op, err)
	}
	defer resp.Body.Close()
	c.metrics.RecordUpstreamCall(r.op, resp.StatusCode, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		c.logger.Warn("upstream returned error status",
			slog.String("operation", r.op),
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, &model.UpstreamError{
			Operation:  r.op,
			StatusCode: resp.StatusCode,
			Body:       string(snippet),
		}
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", r.op, err)
	}
	return respBody, nil
}

// elevatedHeader はサービスキーを付与したヘッダーを返す。
func (c *Client) elevatedHeader() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.serviceKey)
	return h
}

// restURL はRESTテーブルのURLを組み立てる。
func (c *Client) restURL(table string, q url.Values) string {
	return c.baseURL + restPath + table + "?" + q.Encode()
}

// objectURL はストレージオブジェクトのURLを組み立てる。パスはセグメント単位でエスケープする。
func (c *Client) objectURL(objectPath string) string {
	segments := strings.Split(objectPath, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return c.baseURL + storagePath + url.PathEscape(c.bucket) + "/" + strings.Join(segments, "/")
}
