// Package queue provides the crawl queue implementations used to hand
// accepted crawls to the worker pool. The memory queue serves
// single-process deployments; PubSub distributes crawls across
// instances through Google Cloud Pub/Sub.
package queue

import "fmt"

// PubSubConfig identifies the Cloud Pub/Sub resources used for crawl
// distribution.
type PubSubConfig struct {
	ProjectID      string `mapstructure:"project_id" yaml:"project_id"`
	TopicID        string `mapstructure:"topic_id" yaml:"topic_id"`
	SubscriptionID string `mapstructure:"subscription_id" yaml:"subscription_id"`
}

func fullTopicName(projectID, topicID string) string {
	return fmt.Sprintf("projects/%s/topics/%s", projectID, topicID)
}
