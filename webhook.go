package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/utilitywarehouse/build-sync/repopool"
)

// zeroCommit is the 'after' value of a push which deleted the ref
const zeroCommit = "0000000000000000000000000000000000000000"

type GitHubEvent struct {
	Repository struct {
		Name  string `json:"name"`
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
		HtmlURL  string `json:"html_url"`
		GitURL   string `json:"git_url"`
		SSHURL   string `json:"ssh_url"`
		CloneURL string `json:"clone_url"`
	} `json:"repository"`

	// The full git ref that was pushed. Example: refs/heads/main or refs/tags/v3.14.1.
	Ref string `json:"ref"`
	// The SHA of the most recent commit on ref before the push.
	Before string `json:"before"`
	// The SHA of the most recent commit on ref after the push.
	After string `json:"after"`
}

type GithubWebhookHandler struct {
	ctx     context.Context
	builder buildRunner
	secret  string
	log     *slog.Logger
}

func (wh *GithubWebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		wh.log.Error("cannot read request body", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if !wh.isValidSignature(body, r.Header.Get("X-Hub-Signature-256")) {
		wh.log.Error("invalid signature")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	event := r.Header.Get("X-GitHub-Event")

	var payload GitHubEvent
	if err := json.Unmarshal(body, &payload); err != nil {
		wh.log.Error("cannot unmarshal json payload", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	// The ping event is a confirmation from GitHub that
	// the webhook is configured correctly.
	if event == "ping" {
		w.Write([]byte("pong"))
		return
	}

	// only process 'push' event but return ok for all events to mark
	// successful delivery, builds can take long so they run in background
	if event == "push" {
		go wh.processPushEvent(payload)
		return
	}
}

func (wh *GithubWebhookHandler) isValidSignature(message []byte, signature string) bool {
	return hmac.Equal([]byte(signature), []byte(wh.computeHMAC(message, wh.secret)))
}

func (wh *GithubWebhookHandler) computeHMAC(message []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))

	if _, err := mac.Write(message); err != nil {
		wh.log.Error("cannot compute hmac for request", "error", err)
		return ""
	}

	// GH adds `sha256=` prefix in header value
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// processPushEvent builds the pushed commit if the branch of the repository
// is configured. tag pushes and branch deletions are ignored.
func (wh *GithubWebhookHandler) processPushEvent(event GitHubEvent) {
	branch, ok := strings.CutPrefix(event.Ref, "refs/heads/")
	if !ok || branch == "" {
		return
	}
	if event.After == "" || event.After == zeroCommit {
		return
	}

	ctx := wh.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	result, err := wh.builder.Build(ctx, event.Repository.HtmlURL, branch, event.After)
	if err != nil {
		if errors.Is(err, repopool.ErrNotExist) {
			return
		}
		wh.log.Error("unable to process push event", "repo", event.Repository.HtmlURL, "branch", branch, "err", err)
		return
	}

	wh.log.Info("push event processed", "repo", event.Repository.HtmlURL, "branch", branch,
		"commit", event.After, "status", result.Status)
}
