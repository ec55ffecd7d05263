// Package request turns an incoming submission into a validated, typed job
// descriptor.
package request

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/zeek/zeek-benchmarker/pkg/signature"
)

// Job kinds accepted by the front end.
const (
	KindZeek   = "zeek"
	KindBroker = "broker"
)

const fileScheme = "file://"

// Descriptor is the validated form of a submission. It is built once at the
// HTTP boundary and passed by value to the queue and the workers.
type Descriptor struct {
	JobID              string     `json:"job_id"`
	Kind               string     `json:"kind"`
	BuildURL           string     `json:"build_url"`
	BuildHash          string     `json:"build_hash"`
	OriginalBranch     string     `json:"original_branch"`
	Branch             string     `json:"branch"`
	Commit             string     `json:"commit,omitempty"`
	Remote             bool       `json:"remote"`
	SignatureTimestamp int64      `json:"signature_timestamp,omitempty"`
	SubmittedAt        time.Time  `json:"submitted_at"`
	MachineID          *uint      `json:"machine_id,omitempty"`
	CI                 CIMetadata `json:"ci"`
}

// CIMetadata is optional upstream CI information persisted with the job.
type CIMetadata struct {
	RepoOwner          string `json:"cirrus_repo_owner,omitempty"`
	RepoName           string `json:"cirrus_repo_name,omitempty"`
	TaskID             *int64 `json:"cirrus_task_id,omitempty"`
	TaskName           string `json:"cirrus_task_name,omitempty"`
	BuildID            *int64 `json:"cirrus_build_id,omitempty"`
	PR                 *int64 `json:"cirrus_pr,omitempty"`
	PRLabels           string `json:"cirrus_pr_labels,omitempty"`
	GitHubCheckSuiteID *int64 `json:"github_check_suite_id,omitempty"`
	RepoVersion        string `json:"repo_version,omitempty"`
}

// LocalPath returns the filesystem path of a local (file://) build.
func (d *Descriptor) LocalPath() string {
	return strings.TrimPrefix(d.BuildURL, fileScheme)
}

// BuildFilename is the last path segment of the build URL.
func (d *Descriptor) BuildFilename() string {
	u, err := url.Parse(d.BuildURL)
	if err != nil || u.Path == "" {
		return filepath.Base(d.BuildURL)
	}

	return filepath.Base(u.Path)
}

// Parser validates submissions.
type Parser struct {
	allowedPrefixes []string
	verifier        *signature.Verifier
	now             func() time.Time
}

// NewParser creates a Parser accepting remote builds under the given URL
// prefixes, verified with verifier.
func NewParser(allowedPrefixes []string, verifier *signature.Verifier) *Parser {
	return &Parser{
		allowedPrefixes: allowedPrefixes,
		verifier:        verifier,
		now:             time.Now,
	}
}

// WithClock returns a copy of p that reads the current time from now.
func (p *Parser) WithClock(now func() time.Time) *Parser {
	c := *p
	c.now = now

	return &c
}

// Parse validates r and returns a descriptor of the given kind. Errors are
// always *Error.
func (p *Parser) Parse(kind string, r *http.Request) (*Descriptor, error) {
	q := r.URL.Query()

	branch := q.Get("branch")
	if !ValidBranch(branch) {
		return nil, badRequest("Missing or invalid branch name.")
	}

	buildURL := q.Get("build")
	if buildURL == "" {
		return nil, badRequest("Build argument required")
	}

	var (
		remote bool
		sigTS  int64
	)

	switch {
	case p.isAllowedBuildURL(buildURL):
		ts, err := p.checkSignature(r)
		if err != nil {
			return nil, err
		}

		remote = true
		sigTS = ts
	case isLocalBuildURL(buildURL) && isLoopback(r.RemoteAddr):
		remote = false
	default:
		return nil, badRequest("Invalid build URL")
	}

	ci, err := parseCIMetadata(q)
	if err != nil {
		return nil, err
	}

	now := p.now().UTC()

	return &Descriptor{
		Kind:               kind,
		BuildURL:           buildURL,
		BuildHash:          q.Get("build_hash"),
		OriginalBranch:     branch,
		Branch:             NormalizeBranch(branch, remote, sigTS, now),
		Commit:             q.Get("commit"),
		Remote:             remote,
		SignatureTimestamp: sigTS,
		SubmittedAt:        now,
		CI:                 ci,
	}, nil
}

func (p *Parser) isAllowedBuildURL(buildURL string) bool {
	for _, prefix := range p.allowedPrefixes {
		if prefix != "" && strings.HasPrefix(buildURL, prefix) {
			return true
		}
	}

	return false
}

// checkSignature verifies the HMAC headers of a remote submission and
// returns the signature timestamp.
func (p *Parser) checkSignature(r *http.Request) (int64, error) {
	if p.verifier == nil {
		return 0, &Error{Kind: KindInternal, Message: "signature verification is not configured"}
	}

	// A non-numeric timestamp is treated like a missing one.
	ts, _ := strconv.ParseInt(r.Header.Get(signature.HeaderTimestamp), 10, 64)

	err := p.verifier.Verify(
		r.URL.Path,
		r.Header.Get(signature.HeaderSignature),
		ts,
		r.URL.Query().Get("build_hash"),
	)
	if err != nil {
		kind := KindForbidden
		if errors.Is(err, signature.ErrMissingBuildHash) {
			kind = KindBadRequest
		}

		return 0, &Error{Kind: kind, Message: err.Error(), Err: err}
	}

	return ts, nil
}

func isLocalBuildURL(buildURL string) bool {
	if !strings.HasPrefix(buildURL, fileScheme) {
		return false
	}

	return filepath.IsAbs(strings.TrimPrefix(buildURL, fileScheme))
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}

	ip := net.ParseIP(host)

	return ip != nil && ip.IsLoopback()
}

func parseCIMetadata(q url.Values) (CIMetadata, error) {
	ci := CIMetadata{
		RepoOwner:   q.Get("cirrus_repo_owner"),
		RepoName:    q.Get("cirrus_repo_name"),
		TaskName:    q.Get("cirrus_task_name"),
		PRLabels:    q.Get("cirrus_pr_labels"),
		RepoVersion: q.Get("repo_version"),
	}

	ints := []struct {
		name string
		dst  **int64
	}{
		{"cirrus_task_id", &ci.TaskID},
		{"cirrus_build_id", &ci.BuildID},
		{"cirrus_pr", &ci.PR},
		{"github_check_suite_id", &ci.GitHubCheckSuiteID},
	}

	for _, f := range ints {
		raw := q.Get(f.name)
		if raw == "" {
			continue
		}

		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return CIMetadata{}, badRequest(fmt.Sprintf("Invalid %s argument", f.name))
		}

		*f.dst = &v
	}

	return ci, nil
}
