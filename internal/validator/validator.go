// Package validator checks a download's backend-reported file list
// against the rejection policies before post-processing touches it.
package validator

import (
	"fmt"
	"math"
	"path"
	"slices"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/slipcase/slipcase/internal/downloader/types"
	"github.com/slipcase/slipcase/internal/snatch"
)

// Validator applies rejection policies to file listings.
type Validator struct {
	policies *Policies
	logger   zerolog.Logger
}

// New creates a validator with the given policy set.
func New(policies *Policies, logger zerolog.Logger) *Validator {
	return &Validator{
		policies: policies,
		logger:   logger.With().Str("component", "validator").Logger(),
	}
}

// Check runs the ordered rejection checks over the file list: banned
// extension, banned words, then size bounds. It returns "" when the
// download is acceptable, otherwise the rejection reason. An empty file
// list is never a rejection; some backends have no listing to give.
func (v *Validator) Check(mediaType snatch.MediaType, title string, backend types.Backend, files []types.FileEntry) string {
	if len(files) == 0 {
		if backend != types.BackendDirect && backend != types.BackendIRC &&
			backend != types.BackendSABnzbd && backend != types.BackendNZBGet {
			v.logger.Debug().
				Str("backend", string(backend)).
				Str("title", title).
				Msg("no filenames returned")
		}
		return ""
	}

	policy := v.policies.Media[string(mediaType)]
	minSize := policy.MinSizeMB
	if mediaType == snatch.MediaTypeAudiobook {
		// Individual audiobook chapters can be very small.
		minSize = 0
	}

	for _, file := range files {
		ext := strings.ToLower(strings.TrimPrefix(path.Ext(file.Name), "."))

		if ext != "" && slices.Contains(v.policies.BannedExtensions, ext) {
			return v.reject(fmt.Sprintf("%s extension %s", title, ext), file.Name)
		}

		if word := bannedWord(file.Name, policy.BannedWords); word != "" {
			return v.reject(fmt.Sprintf("%s contains %s", file.Name, word), file.Name)
		}

		// Size bounds apply only to wanted filetypes so that a small
		// cover image never fails the minimum-size check.
		if !slices.Contains(policy.WantedFiletypes, ext) {
			continue
		}

		sizeMB := parseSizeMB(file.Size)
		if sizeMB == 0 {
			continue
		}
		if policy.MaxSizeMB > 0 && sizeMB > policy.MaxSizeMB {
			return v.reject(fmt.Sprintf("%s is too large (%gMb)", file.Name, sizeMB), file.Name)
		}
		if minSize > 0 && sizeMB < minSize {
			return v.reject(fmt.Sprintf("%s is too small (%gMb)", file.Name, sizeMB), file.Name)
		}
	}

	return ""
}

func (v *Validator) reject(reason, filename string) string {
	v.logger.Warn().Str("file", filename).Msgf("%s. Rejecting download", reason)
	return reason
}

// bannedWord tokenizes the filename (separators and dots become spaces,
// lowercased) and returns the first token on the ban list.
func bannedWord(name string, banlist []string) string {
	if len(banlist) == 0 {
		return ""
	}

	normalized := strings.ToLower(name)
	normalized = strings.NewReplacer("/", " ", "\\", " ", ".", " ").Replace(normalized)

	for _, word := range strings.Fields(normalized) {
		if slices.Contains(banlist, word) {
			return word
		}
	}
	return ""
}

// parseSizeMB converts a backend-reported size to megabytes. Backends
// report either raw byte counts or human strings like "1.4G"; anything
// unparseable counts as unknown (0) rather than failing the download.
func parseSizeMB(raw string) float64 {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0
	}

	var bytes float64
	upper := strings.ToUpper(s)
	switch {
	case strings.Contains(upper, "G"):
		v, err := strconv.ParseFloat(strings.TrimSpace(strings.SplitN(upper, "G", 2)[0]), 64)
		if err != nil {
			return 0
		}
		bytes = v * 1073741824
	case strings.Contains(upper, "M"):
		v, err := strconv.ParseFloat(strings.TrimSpace(strings.SplitN(upper, "M", 2)[0]), 64)
		if err != nil {
			return 0
		}
		bytes = v * 1048576
	case strings.Contains(upper, "K"):
		v, err := strconv.ParseFloat(strings.TrimSpace(strings.SplitN(upper, "K", 2)[0]), 64)
		if err != nil {
			return 0
		}
		bytes = v * 1024
	default:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0
		}
		bytes = v
	}

	return math.Round(bytes/1048576*100) / 100
}
