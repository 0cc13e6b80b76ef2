package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// AttemptStartKey returns the cache key holding an attempt's start timestamp (unix seconds).
func (r *CacheKeyStruct) AttemptStartKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:started_at", attemptID)
}

// AttemptSnapshotKey returns the cache key for the last persisted progress payload.
func (r *CacheKeyStruct) AttemptSnapshotKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:snapshot", attemptID)
}

// AttemptDraftsKey returns the hash key buffering code-editor drafts per question.
func (r *CacheKeyStruct) AttemptDraftsKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:code_drafts", attemptID)
}

// AttemptSubmittedKey marks an attempt whose terminal submit has been accepted.
func (r *CacheKeyStruct) AttemptSubmittedKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:submitted", attemptID)
}

// AssessmentPayloadKey returns the cache key for an assessment's content outline and rules.
func (r *CacheKeyStruct) AssessmentPayloadKey(slug string) string {
	return fmt.Sprintf("assessment:%s:payload", slug)
}

// AssessmentMonitorChannel returns the Redis PubSub channel name for an assessment monitor.
func (r *CacheKeyStruct) AssessmentMonitorChannel(slug string) string {
	return fmt.Sprintf("assessment:%s:monitor", slug)
}

var CacheKey = NewCacheKeyStruct()
