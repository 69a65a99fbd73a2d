// Package instagram is a thin executor backend for Instagram direct threads.
//
// A credential token is a web "sessionid" cookie. Only the three calls the
// fleet needs are implemented: who-am-i (login), text broadcast to a thread,
// and thread rename. Rename is attempted through an ordered list of
// strategies; the first that succeeds wins.
package instagram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"rotabot/internal/executor"
	logx "rotabot/pkg/logx"
)

const (
	defaultAPIBase   = "https://i.instagram.com"
	defaultWebBase   = "https://www.instagram.com"
	defaultDocID     = "29088580780787855"
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/128.0.0.0 Safari/537.36"
	webAppID         = "936619743392459"

	maxBody = 1 << 20
)

// Config configures the backend. Zero values fall back to production defaults.
type Config struct {
	APIBase   string
	WebBase   string
	CSRFToken string
	DocID     string
	UserAgent string
	Timeout   time.Duration
}

// titleStrategy is one way of renaming a thread.
type titleStrategy struct {
	name string
	run  func(ctx context.Context, s *session, threadID, title string) error
}

type Executor struct {
	cfg    Config
	client *http.Client
	log    logx.Logger

	titleStrategies []titleStrategy
}

type session struct {
	sessionID string
	username  string
	userID    string
}

func (s *session) Username() string { return s.username }

func New(cfg Config, log logx.Logger) *Executor {
	if strings.TrimSpace(cfg.APIBase) == "" {
		cfg.APIBase = defaultAPIBase
	}
	if strings.TrimSpace(cfg.WebBase) == "" {
		cfg.WebBase = defaultWebBase
	}
	if strings.TrimSpace(cfg.DocID) == "" {
		cfg.DocID = defaultDocID
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	cfg.WebBase = strings.TrimRight(cfg.WebBase, "/")
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Executor{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
	}
	e.titleStrategies = []titleStrategy{
		{name: "private_api", run: e.updateTitlePrivate},
		{name: "graphql", run: e.updateTitleGraphQL},
	}
	return e
}

func (e *Executor) Login(ctx context.Context, cred executor.Credential) (executor.Session, error) {
	sid := strings.TrimSpace(cred.Token)
	if sid == "" {
		return nil, fmt.Errorf("instagram: empty sessionid: %w", executor.ErrAuth)
	}
	s := &session{sessionID: sid}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.cfg.APIBase+"/api/v1/accounts/current_user/?edit=true", http.NoBody)
	if err != nil {
		return nil, err
	}
	body, status, err := e.do(req, s)
	if err != nil {
		return nil, fmt.Errorf("instagram: current_user: %w", err)
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return nil, fmt.Errorf("instagram: current_user status %d: %w", status, executor.ErrAuth)
	}
	if status/100 != 2 {
		return nil, fmt.Errorf("instagram: current_user status %d", status)
	}
	user := gjson.GetBytes(body, "user")
	name := user.Get("username").String()
	if !user.Exists() || name == "" {
		return nil, fmt.Errorf("instagram: no user in current_user response: %w", executor.ErrAuth)
	}
	s.username = name
	s.userID = user.Get("pk").String()
	return s, nil
}

func (e *Executor) SendMessage(ctx context.Context, s executor.Session, threadID, text string) error {
	sess, ok := s.(*session)
	if !ok {
		return executor.Failed(executor.ActionSend, threadID, executor.ErrWrongSession)
	}
	form := url.Values{}
	form.Set("action", "send_item")
	form.Set("thread_ids", "["+threadID+"]")
	form.Set("text", text)
	form.Set("client_context", uuid.NewString())

	body, err := e.postForm(ctx, sess, e.cfg.APIBase+"/api/v1/direct_v2/threads/broadcast/text/", form, nil)
	if err != nil {
		return executor.Failed(executor.ActionSend, threadID, err)
	}
	if st := gjson.GetBytes(body, "status").String(); st != "ok" {
		return executor.Failed(executor.ActionSend, threadID, fmt.Errorf("status %q: %s", st, gjson.GetBytes(body, "message").String()))
	}
	return nil
}

// ChangeTitle walks the strategy list in order and stops at the first success.
func (e *Executor) ChangeTitle(ctx context.Context, s executor.Session, threadID, title string) error {
	sess, ok := s.(*session)
	if !ok {
		return executor.Failed(executor.ActionTitle, threadID, executor.ErrWrongSession)
	}
	var errs []error
	for _, st := range e.titleStrategies {
		err := st.run(ctx, sess, threadID, title)
		if err == nil {
			return nil
		}
		e.log.Debug("title strategy failed", logx.String("strategy", st.name), logx.String("thread", threadID), logx.Err(err))
		errs = append(errs, fmt.Errorf("%s: %w", st.name, err))
		if ctx.Err() != nil {
			break
		}
	}
	return executor.Failed(executor.ActionTitle, threadID, errors.Join(errs...))
}

func (e *Executor) updateTitlePrivate(ctx context.Context, s *session, threadID, title string) error {
	form := url.Values{}
	form.Set("title", title)
	body, err := e.postForm(ctx, s, e.cfg.APIBase+"/api/v1/direct_v2/threads/"+url.PathEscape(threadID)+"/update_title/", form, nil)
	if err != nil {
		return err
	}
	if st := gjson.GetBytes(body, "status").String(); st != "ok" {
		return fmt.Errorf("status %q", st)
	}
	return nil
}

func (e *Executor) updateTitleGraphQL(ctx context.Context, s *session, threadID, title string) error {
	vars, err := json.Marshal(map[string]string{"thread_fbid": threadID, "new_title": title})
	if err != nil {
		return err
	}
	form := url.Values{}
	form.Set("doc_id", e.cfg.DocID)
	form.Set("variables", string(vars))

	hdr := http.Header{}
	hdr.Set("X-CSRFToken", e.cfg.CSRFToken)
	hdr.Set("X-Requested-With", "XMLHttpRequest")
	hdr.Set("Referer", e.cfg.WebBase+"/direct/t/"+threadID+"/")

	body, err := e.postForm(ctx, s, e.cfg.WebBase+"/api/graphql/", form, hdr)
	if err != nil {
		return err
	}
	if errs := gjson.GetBytes(body, "errors"); errs.Exists() {
		return fmt.Errorf("graphql errors: %s", truncate(errs.Raw, 300))
	}
	return nil
}

func (e *Executor) postForm(ctx context.Context, s *session, endpoint string, form url.Values, hdr http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	body, status, err := e.do(req, s)
	if err != nil {
		return nil, err
	}
	if status/100 != 2 {
		return nil, fmt.Errorf("http status %d: %s", status, truncate(string(body), 200))
	}
	return body, nil
}

func (e *Executor) do(req *http.Request, s *session) ([]byte, int, error) {
	req.Header.Set("User-Agent", e.cfg.UserAgent)
	req.Header.Set("X-IG-App-ID", webAppID)
	req.AddCookie(&http.Cookie{Name: "sessionid", Value: s.sessionID})
	if e.cfg.CSRFToken != "" {
		req.AddCookie(&http.Cookie{Name: "csrftoken", Value: e.cfg.CSRFToken})
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
