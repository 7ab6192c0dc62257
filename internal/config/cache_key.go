package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// StudentSessionKey returns the cache key for a student's login session (single device).
func (r *CacheKeyStruct) StudentSessionKey(studentID int) string {
	return fmt.Sprintf("login:%d", studentID)
}

// SessionSnapshotKey returns the cache key holding a student's persisted
// progress in an exam session.
func (r *CacheKeyStruct) SessionSnapshotKey(studentID int, sessionID string) string {
	return fmt.Sprintf("student:%d:session:%s:snapshot", studentID, sessionID)
}

// SessionResultKey returns the cache key for a student's graded result of a session.
func (r *CacheKeyStruct) SessionResultKey(studentID int, sessionID string) string {
	return fmt.Sprintf("student:%d:session:%s:result", studentID, sessionID)
}

// StudentEventsChannel returns the Redis PubSub channel name for a student's session events
func (r *CacheKeyStruct) StudentEventsChannel(studentID int) string {
	return fmt.Sprintf("student:%d:events", studentID)
}

var CacheKey = NewCacheKeyStruct()
