package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// StudentSessionKey holds the JWT id of the student's only live access token.
func (r *CacheKeyStruct) StudentSessionKey(studentID int) string {
	return fmt.Sprintf("login:%d", studentID)
}

// RefreshTokenKey maps a refresh token id to its owning student.
func (r *CacheKeyStruct) RefreshTokenKey(tokenID string) string {
	return fmt.Sprintf("refresh:%s", tokenID)
}

var CacheKey = NewCacheKeyStruct()
