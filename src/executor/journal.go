package executor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DecisionJournal records every commit/abort decision to an append-only
// file before the first engine commit is issued. After a crash between
// prepare and commit, the journal tells an operator which way in-doubt
// transactions were decided. Files roll daily.
type DecisionJournal struct {
	mu          sync.Mutex
	file        *os.File
	basePath    string
	currentDate time.Time
}

// NewDecisionJournal opens (or creates) today's journal file under dir.
func NewDecisionJournal(dir string) (*DecisionJournal, error) {
	j := &DecisionJournal{basePath: filepath.Join(dir, "decisions")}
	if err := j.ensureCorrectFileOpen(); err != nil {
		return nil, err
	}
	return j, nil
}

// ensureCorrectFileOpen rolls to a new file when the date changes.
func (j *DecisionJournal) ensureCorrectFileOpen() error {
	today := time.Now().Truncate(24 * time.Hour)
	if j.file != nil && j.currentDate.Equal(today) {
		return nil
	}
	if j.file != nil {
		if err := j.file.Close(); err != nil {
			return fmt.Errorf("failed to close previous journal file: %w", err)
		}
		j.file = nil
	}

	fileName := fmt.Sprintf("%s_%s.journal", j.basePath, today.Format("2006-01-02"))
	if err := os.MkdirAll(filepath.Dir(fileName), 0755); err != nil {
		return fmt.Errorf("failed to create journal directory: %w", err)
	}
	file, err := os.OpenFile(fileName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open journal file %s: %w", fileName, err)
	}
	j.file = file
	j.currentDate = today
	return nil
}

// Record appends one decision line and syncs it to disk. The sync is
// what makes the decision durable before any engine commit runs.
func (j *DecisionJournal) Record(transactionID, decision string, engines []string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.ensureCorrectFileOpen(); err != nil {
		return err
	}
	line := fmt.Sprintf("%s | %s | %s | %s\n",
		time.Now().Format(time.RFC3339), transactionID, decision, strings.Join(engines, ","))
	if _, err := j.file.WriteString(line); err != nil {
		return fmt.Errorf("failed to write to journal file: %w", err)
	}
	return j.file.Sync()
}

// Close closes the journal file.
func (j *DecisionJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file != nil {
		if err := j.file.Close(); err != nil {
			return fmt.Errorf("failed to close journal file: %w", err)
		}
		j.file = nil
	}
	return nil
}
