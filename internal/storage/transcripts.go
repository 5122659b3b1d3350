package storage

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// TranscriptEntry represents one finalized recognition result.
type TranscriptEntry struct {
	SessionID  string `json:"session_id"`
	Timestamp  string `json:"timestamp"`
	Text       string `json:"text"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// DayInfo represents one day of stored transcripts for a device.
type DayInfo struct {
	Day    string `json:"day"`
	Count  int    `json:"count"`
	Latest string `json:"latest"`
}

var safeNamePattern = regexp.MustCompile(`^[A-Za-z0-9_\-\.]+$`)

const dayFormat = "2006-01-02"

// AppendTranscript executes the appendTranscript function.
func AppendTranscript(baseDir string, deviceID string, entry TranscriptEntry) error {
	dir, err := ensureDeviceDir(baseDir, deviceID)
	if err != nil {
		return err
	}
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().Format(time.RFC3339)
	}
	path := filepath.Join(dir, time.Now().Format(dayFormat)+".json")
	entries, err := readTranscripts(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	entries = append(entries, entry)
	return writeTranscripts(path, entries)
}

// GetTranscripts executes the getTranscripts function.
func GetTranscripts(baseDir string, deviceID string, day string) ([]TranscriptEntry, error) {
	path, err := transcriptPath(baseDir, deviceID, day)
	if err != nil {
		return nil, err
	}
	return readTranscripts(path)
}

// DeleteTranscripts executes the deleteTranscripts function.
func DeleteTranscripts(baseDir string, deviceID string, day string) bool {
	path, err := transcriptPath(baseDir, deviceID, day)
	if err != nil {
		return false
	}
	if _, err := os.Stat(path); err != nil {
		return false
	}
	if err := os.Remove(path); err != nil {
		return false
	}
	return true
}

// ListDays executes the listDays function.
func ListDays(baseDir string, deviceID string) []DayInfo {
	list := []DayInfo{}
	dir, err := ensureDeviceDir(baseDir, deviceID)
	if err != nil {
		return list
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return list
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		day := strings.TrimSuffix(entry.Name(), ".json")
		transcripts, err := readTranscripts(filepath.Join(dir, entry.Name()))
		if err != nil || len(transcripts) == 0 {
			continue
		}
		list = append(list, DayInfo{
			Day:    day,
			Count:  len(transcripts),
			Latest: transcripts[len(transcripts)-1].Timestamp,
		})
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].Day > list[j].Day
	})

	return list
}

func ensureDeviceDir(baseDir string, deviceID string) (string, error) {
	if baseDir == "" {
		return "", errors.New("transcript base dir is empty")
	}
	if !safeNamePattern.MatchString(deviceID) {
		return "", errors.New("invalid device id")
	}
	path := filepath.Join(baseDir, deviceID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

func transcriptPath(baseDir string, deviceID string, day string) (string, error) {
	if baseDir == "" {
		return "", errors.New("transcript base dir is empty")
	}
	if !safeNamePattern.MatchString(deviceID) || !safeNamePattern.MatchString(day) {
		return "", errors.New("invalid transcript path")
	}
	return filepath.Join(baseDir, deviceID, day+".json"), nil
}

func readTranscripts(path string) ([]TranscriptEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []TranscriptEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func writeTranscripts(path string, entries []TranscriptEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
