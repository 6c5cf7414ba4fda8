// Package redishost implements sessions.StreamHost on Redis Streams so a
// fleet of runtime instances can share push-stream delivery: any instance
// may publish to a session whose subscriber is attached elsewhere. Event ids
// are the Redis stream entry ids, which double as the resume cursor.
package redishost
