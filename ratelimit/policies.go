package ratelimit

import "time"

// One limiter per action class. Budgets mirror the HTTP and socket
// policies: generic API traffic and message sends are keyed by source
// address, socket events by "user:event", typing by "user:chat".

// NewAPILimiter bounds generic API calls per source address.
func NewAPILimiter() *Limiter { return New(100, time.Minute) }

// NewMessageLimiter bounds chat message sends per source address.
func NewMessageLimiter() *Limiter { return New(20, time.Minute) }

// NewUploadLimiter bounds file uploads per source address.
func NewUploadLimiter() *Limiter { return New(10, 5*time.Minute) }

// NewSocketEventLimiter bounds socket events per "user:event" key.
func NewSocketEventLimiter() *Limiter { return New(30, time.Minute) }

// NewTypingLimiter bounds typing indicators per "user:chat" key.
// Rejections here are swallowed silently; typing is best effort.
func NewTypingLimiter() *Limiter { return New(5, 5*time.Second) }
