// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

package validation

import (
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/texforge/internal/config"
	"github.com/tomtom215/texforge/internal/models"
)

// DefaultRootResourcePath is used when a request names no root file.
const DefaultRootResourcePath = "main.tex"

// Policy holds the server-side limits a compile request is checked against.
type Policy struct {
	MaxTimeout             time.Duration
	DefaultImage           string
	AllowedImages          []string
	AllowedCompileGroups   []string
	PdfCachingByDefault    bool
	PdfCachingMinChunkSize int64
}

// PolicyFromConfig builds a Policy from the compile and content cache sections.
func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{
		MaxTimeout:             cfg.Compile.MaxTimeout,
		DefaultImage:           cfg.Compile.DefaultImage,
		AllowedImages:          cfg.Compile.AllowedImages,
		AllowedCompileGroups:   cfg.Compile.AllowedCompileGroups,
		PdfCachingByDefault:    cfg.ContentCache.EnabledByDefault,
		PdfCachingMinChunkSize: cfg.ContentCache.MinChunkSize,
	}
}

// RawCompileRequest is the JSON body of a compile call.
type RawCompileRequest struct {
	Compile *RawCompile `json:"compile"`
}

// RawCompile is the "compile" attribute of a compile call.
type RawCompile struct {
	Options          RawOptions    `json:"options"`
	RootResourcePath *string       `json:"rootResourcePath"`
	Resources        []RawResource `json:"resources" validate:"dive"`
}

// RawOptions is the loosely typed options bag before defaulting.
type RawOptions struct {
	Compiler               string   `json:"compiler" validate:"oneof=pdflatex latex xelatex lualatex"`
	Timeout                *float64 `json:"timeout" validate:"omitempty,gte=0"`
	ImageName              string   `json:"imageName"`
	Draft                  bool     `json:"draft"`
	StopOnFirstError       bool     `json:"stopOnFirstError"`
	Check                  string   `json:"check"`
	Flags                  []string `json:"flags"`
	CompileGroup           string   `json:"compileGroup"`
	SyncType               string   `json:"syncType" validate:"omitempty,oneof=full incremental"`
	SyncState              string   `json:"syncState"`
	EditorID               string   `json:"editorId" validate:"omitempty,editorid"`
	BuildID                string   `json:"buildId" validate:"omitempty,buildid"`
	CompileFromClsiCache   bool     `json:"compileFromClsiCache"`
	PopulateClsiCache      bool     `json:"populateClsiCache"`
	EnablePdfCaching       *bool    `json:"enablePdfCaching"`
	PdfCachingMinChunkSize *int64   `json:"pdfCachingMinChunkSize" validate:"omitempty,gte=1"`
}

// RawResource is one entry of the resources list.
type RawResource struct {
	Path        string  `json:"path" validate:"required,safepath"`
	Content     *string `json:"content"`
	URL         string  `json:"url"`
	FallbackURL string  `json:"fallbackURL"`
	Modified    any     `json:"modified"`
}

// rawIDs carries the route parameters through the validator.
type rawIDs struct {
	ProjectID string `json:"project_id" validate:"required,projectid"`
	UserID    string `json:"user_id" validate:"omitempty,projectid"`
}

// rootPath wraps the defaulted root path for the safepath check.
type rootPath struct {
	Path string `json:"rootResourcePath" validate:"safepath"`
}

// DecodeCompileRequest parses a compile body and applies ParseCompileRequest.
func DecodeCompileRequest(body []byte, projectID, userID string, policy Policy) (*models.CompileRequest, error) {
	var raw RawCompileRequest
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, newRequestError("body", "json", nil, "malformed compile request: %v", err)
	}
	return ParseCompileRequest(&raw, projectID, userID, policy)
}

// ParseCompileRequest applies defaults to raw and checks it against policy.
// Any rejection is a *RequestError wrapping ErrInvalidParameter.
func ParseCompileRequest(raw *RawCompileRequest, projectID, userID string, policy Policy) (*models.CompileRequest, error) {
	if err := ValidateStruct(&rawIDs{ProjectID: projectID, UserID: userID}); err != nil {
		return nil, err
	}
	if raw == nil || raw.Compile == nil {
		return nil, newRequestError("compile", "required", nil, "top level object should have a compile attribute")
	}
	c := raw.Compile
	opts := c.Options

	if opts.Compiler == "" {
		opts.Compiler = models.CompilerPDFLaTeX
	}
	if err := ValidateStruct(&RawCompile{Options: opts, Resources: c.Resources}); err != nil {
		return nil, err
	}

	image, err := resolveImage(opts.ImageName, policy)
	if err != nil {
		return nil, err
	}
	if opts.CompileGroup != "" && len(policy.AllowedCompileGroups) > 0 &&
		!slices.Contains(policy.AllowedCompileGroups, opts.CompileGroup) {
		return nil, newRequestError("compileGroup", "oneof", opts.CompileGroup,
			"compileGroup attribute should be one of: %s", strings.Join(policy.AllowedCompileGroups, ", "))
	}

	root := DefaultRootResourcePath
	if c.RootResourcePath != nil {
		root = *c.RootResourcePath
	}
	if err := ValidateStruct(&rootPath{Path: root}); err != nil {
		return nil, err
	}

	resources, err := parseResources(c.Resources)
	if err != nil {
		return nil, err
	}

	flags := opts.Flags
	if flags == nil {
		flags = []string{}
	}

	enablePdfCaching := policy.PdfCachingByDefault
	if opts.EnablePdfCaching != nil {
		enablePdfCaching = *opts.EnablePdfCaching
	}
	minChunk := policy.PdfCachingMinChunkSize
	if opts.PdfCachingMinChunkSize != nil {
		minChunk = *opts.PdfCachingMinChunkSize
	}

	return &models.CompileRequest{
		ProjectID:              projectID,
		UserID:                 userID,
		RootResourcePath:       root,
		Resources:              resources,
		Compiler:               opts.Compiler,
		Timeout:                resolveTimeout(opts.Timeout, policy.MaxTimeout),
		ImageName:              image,
		Draft:                  opts.Draft,
		StopOnFirstError:       opts.StopOnFirstError,
		Check:                  opts.Check,
		Flags:                  flags,
		CompileGroup:           opts.CompileGroup,
		SyncType:               opts.SyncType,
		SyncState:              opts.SyncState,
		EditorID:               opts.EditorID,
		BuildID:                opts.BuildID,
		CompileFromClsiCache:   opts.CompileFromClsiCache,
		PopulateClsiCache:      opts.PopulateClsiCache,
		EnablePdfCaching:       enablePdfCaching,
		PdfCachingMinChunkSize: minChunk,
	}, nil
}

// resolveTimeout converts seconds to a duration, capped at max. Missing or
// zero means max.
func resolveTimeout(seconds *float64, maxTimeout time.Duration) time.Duration {
	if seconds == nil || *seconds <= 0 {
		return maxTimeout
	}
	if *seconds >= maxTimeout.Seconds() {
		return maxTimeout
	}
	return time.Duration(*seconds * float64(time.Second))
}

func resolveImage(name string, policy Policy) (string, error) {
	if name == "" {
		return policy.DefaultImage, nil
	}
	if len(policy.AllowedImages) > 0 && !slices.Contains(policy.AllowedImages, name) {
		return "", newRequestError("imageName", "oneof", name,
			"imageName attribute should be one of: %s", strings.Join(policy.AllowedImages, ", "))
	}
	return name, nil
}

func parseResources(raw []RawResource) ([]models.Resource, error) {
	out := make([]models.Resource, 0, len(raw))
	for _, r := range raw {
		if r.Content == nil && r.URL == "" {
			return nil, newRequestError("resources", "required", r.Path,
				"all resources should have either a url or content attribute")
		}
		modified, err := parseModified(r.Modified)
		if err != nil {
			return nil, err
		}
		res := models.Resource{
			Path:        r.Path,
			URL:         r.URL,
			FallbackURL: r.FallbackURL,
			Modified:    modified,
		}
		if r.Content != nil {
			res.Content = *r.Content
		}
		out = append(out, res)
	}
	return out, nil
}

// modifiedLayouts are the date forms accepted for a resource's modified
// attribute besides unix milliseconds.
var modifiedLayouts = []string{
	time.RFC3339Nano,
	time.RFC1123,
	time.RFC1123Z,
	"Mon Jan 02 2006 15:04:05 GMT-0700",
	"2006-01-02 15:04:05",
	"15:04 01/02/06",
	"2006-01-02",
}

// parseModified returns unix milliseconds, or 0 when v is absent.
func parseModified(v any) (int64, error) {
	switch m := v.(type) {
	case nil:
		return 0, nil
	case float64:
		if math.IsNaN(m) || math.IsInf(m, 0) {
			break
		}
		return int64(m), nil
	case string:
		if ms, err := strconv.ParseInt(m, 10, 64); err == nil {
			return ms, nil
		}
		for _, layout := range modifiedLayouts {
			if t, err := time.Parse(layout, m); err == nil {
				return t.UnixMilli(), nil
			}
		}
	}
	return 0, newRequestError("modified", "date", v, "resource modified date could not be understood: %v", v)
}
