package model

import "time"

type HubStats struct {
	TotalTopics      int           `json:"total_topics"`
	TotalSubscribers int           `json:"total_subscribers"`
	Published        uint64        `json:"published"`
	Dropped          uint64        `json:"dropped"`
	Uptime           time.Duration `json:"uptime"`
	Topics           []TopicStats  `json:"topics,omitempty"`
}

type TopicStats struct {
	Topic       string `json:"topic"`
	Head        uint64 `json:"head"`
	Oldest      uint64 `json:"oldest"`
	Subscribers int    `json:"subscribers"`
}
