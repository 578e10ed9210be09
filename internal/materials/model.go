// Package materials mirrors lesson material files to local storage, detects when the local copy
// is older than the remote one, and tracks which material versions a user has already seen.
package materials

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// DownloadActionKey is the queued action that retries a download once online.
const DownloadActionKey = "materials:download"

var (
	// ErrMaterialUnavailableOffline indicates that the file is not cached and there is no connectivity.
	ErrMaterialUnavailableOffline = errors.New("materials: material unavailable offline")
	// ErrInvalidMaterial indicates missing identity or storage fields on a material.
	ErrInvalidMaterial = errors.New("materials: invalid material")
	// ErrInvalidUserID indicates an empty user scope.
	ErrInvalidUserID = errors.New("materials: invalid user id")
)

// Material is the remote metadata of a lesson file. UpdatedAtMs of zero means the material was
// never edited after creation.
type Material struct {
	ID            string `json:"id"`
	ReservationID string `json:"reservationId"`
	Title         string `json:"title"`
	FileName      string `json:"fileName"`
	StorageKey    string `json:"storageKey"`
	MimeType      string `json:"mimeType"`
	CreatedAtMs   int64  `json:"createdAt"`
	UpdatedAtMs   int64  `json:"updatedAt"`
}

// Version is the remote timestamp staleness is measured against.
func (material Material) Version() int64 {
	if material.UpdatedAtMs != 0 {
		return material.UpdatedAtMs
	}
	return material.CreatedAtMs
}

func (material Material) validate() error {
	if strings.TrimSpace(material.ID) == "" || strings.TrimSpace(material.StorageKey) == "" {
		return fmt.Errorf("%w: id and storage key are required", ErrInvalidMaterial)
	}
	return nil
}

// Entry is the local index record of a downloaded material. UpdatedAt holds the material version
// the local file was downloaded at.
type Entry struct {
	MaterialID    string  `json:"materialId"`
	ReservationID string  `json:"reservationId"`
	LocalPath     string  `json:"localPath"`
	UpdatedAt     int64   `json:"updatedAt"`
	Checksum      *string `json:"checksum"`
	MimeType      string  `json:"mimeType"`
	FileName      string  `json:"fileName"`
	SizeBytes     int64   `json:"sizeBytes"`
	DownloadedAt  int64   `json:"downloadedAt"`
}

// IsStale reports whether the remote material is strictly newer than the cached entry.
func IsStale(entry Entry, material Material) bool {
	return material.Version() > entry.UpdatedAt
}

// DownloadStatus tells whether a download produced a local file or was deferred.
type DownloadStatus string

const (
	DownloadReady  DownloadStatus = "ready"
	DownloadQueued DownloadStatus = "queued"
)

// DownloadOutcome is the result of Cache.Download. Entry is set when Status is DownloadReady.
type DownloadOutcome struct {
	Status  DownloadStatus `json:"status"`
	Entry   *Entry         `json:"entry,omitempty"`
	QueueID string         `json:"queueId,omitempty"`
}

// OpenResult is the result of Cache.Open. Stale marks an outdated copy served while offline.
type OpenResult struct {
	Entry     Entry `json:"entry"`
	Refreshed bool  `json:"refreshed"`
	Stale     bool  `json:"stale"`
}

// downloadRequest is the queued payload of DownloadActionKey.
type downloadRequest struct {
	UserID   string   `json:"userId"`
	Material Material `json:"material"`
}

// index is the per-user persisted record holding cache entries and view markers.
type index struct {
	Entries map[string]Entry `json:"entries"`
	Views   map[string]int64 `json:"views"`
}

func newIndex() index {
	return index{Entries: map[string]Entry{}, Views: map[string]int64{}}
}

const defaultReservationDir = "general"

// localPath is <dir>/<userID>/<reservationID>/<materialID>-<fileName>. userID must already have
// passed indexKey; the material segments are reduced to their base names.
func localPath(root, userID string, material Material) string {
	reservation := sanitizeSegment(material.ReservationID)
	if reservation == "" {
		reservation = defaultReservationDir
	}
	fileName := sanitizeSegment(material.FileName)
	if fileName == "" {
		fileName = "file"
	}
	return filepath.Join(root, strings.TrimSpace(userID), reservation, sanitizeSegment(material.ID)+"-"+fileName)
}

func sanitizeSegment(value string) string {
	base := filepath.Base(strings.TrimSpace(value))
	if base == "." || base == ".." || base == string(filepath.Separator) {
		return ""
	}
	return base
}
