package model

import (
	"slices"
	"time"
)

// JobStatus represents where a document is in its processing lifecycle.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// AllJobStatuses lists every status in lifecycle order.
func AllJobStatuses() []JobStatus {
	return []JobStatus{JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed}
}

// Terminal reports whether no transition leaves s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	return slices.Contains(AllJobStatuses(), s)
}

// transitions is the legality table: target status -> allowed source statuses.
// Processing -> Processing is the re-entry taken when the queue redelivers a
// job whose previous attempt never reached a terminal state.
var transitions = map[JobStatus][]JobStatus{
	JobStatusProcessing: {JobStatusPending, JobStatusProcessing},
	JobStatusCompleted:  {JobStatusProcessing},
	JobStatusFailed:     {JobStatusProcessing},
}

// SourcesOf returns the statuses from which a job may move to target.
// Stores use it to build conditional updates.
func SourcesOf(target JobStatus) []JobStatus {
	return slices.Clone(transitions[target])
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to JobStatus) bool {
	return slices.Contains(transitions[to], from)
}

// Job is the persisted record of one uploaded document.
type Job struct {
	ID              string           `json:"id"`
	Filename        string           `json:"filename"`
	BlobPath        string           `json:"blob_path"`
	ContentType     string           `json:"content_type,omitempty"`
	Status          JobStatus        `json:"status"`
	RawText         *string          `json:"raw_text,omitempty"`
	ExtractedFields *ExtractedFields `json:"extracted_fields,omitempty"`
	OverallScore    *float64         `json:"overall_score,omitempty"`
	ErrorMessage    *string          `json:"error_message,omitempty"`
	Strategy        string           `json:"strategy,omitempty"`
	Attempts        int              `json:"attempts"`
	UploadedAt      time.Time        `json:"uploaded_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// JobSummary is the list projection of a Job.
type JobSummary struct {
	ID         string    `json:"id"`
	Filename   string    `json:"filename"`
	Status     JobStatus `json:"status"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Completion carries everything a successful processing attempt commits.
type Completion struct {
	RawText  string
	Fields   ExtractedFields
	Score    float64
	Strategy string
}

// NewJob builds a Pending job for a freshly stored blob.
func NewJob(id, filename, blobPath, contentType string, now time.Time) *Job {
	now = now.UTC()
	return &Job{
		ID:          id,
		Filename:    filename,
		BlobPath:    blobPath,
		ContentType: contentType,
		Status:      JobStatusPending,
		UploadedAt:  now,
		UpdatedAt:   now,
	}
}

// Summary returns the list projection of j.
func (j *Job) Summary() JobSummary {
	return JobSummary{
		ID:         j.ID,
		Filename:   j.Filename,
		Status:     j.Status,
		UploadedAt: j.UploadedAt,
	}
}

// BeginProcessing moves a Pending (or re-delivered Processing) job to
// Processing. It reports false, leaving the job untouched, when the job is
// already terminal so redelivered work can be skipped.
func (j *Job) BeginProcessing(now time.Time) bool {
	if j.Status.Terminal() {
		return false
	}
	j.mustTransition(JobStatusProcessing)
	j.Attempts++
	j.UpdatedAt = now.UTC()
	return true
}

// Complete records a successful extraction. Panics unless j is Processing.
func (j *Job) Complete(c Completion, now time.Time) {
	j.mustTransition(JobStatusCompleted)
	text := c.RawText
	fields := c.Fields
	score := c.Score
	j.RawText = &text
	j.ExtractedFields = &fields
	j.OverallScore = &score
	j.Strategy = c.Strategy
	j.ErrorMessage = nil
	j.UpdatedAt = now.UTC()
}

// Fail records a processing failure. Panics unless j is Processing.
func (j *Job) Fail(reason string, now time.Time) {
	j.mustTransition(JobStatusFailed)
	j.ErrorMessage = &reason
	j.ExtractedFields = nil
	j.OverallScore = nil
	j.UpdatedAt = now.UTC()
}

func (j *Job) mustTransition(to JobStatus) {
	if !CanTransition(j.Status, to) {
		panic(&InvariantViolation{JobID: j.ID, From: j.Status, To: to})
	}
	j.Status = to
}
