package pipeline

import "strings"

// TopicMatches reports whether an incoming message topic matches a
// pipeline's filter. Segments are delimited by '/'. '#' matches the rest
// of the topic unconditionally, including zero remaining segments. '+'
// matches exactly one segment, which must exist. Literal segments must
// match exactly; no case folding, no partial-segment wildcards. When the
// filter carries no '#', the segment counts must be equal.
func TopicMatches(filter, topic string) bool {
	filterParts := strings.Split(filter, "/")
	topicParts := strings.Split(topic, "/")

	for i, part := range filterParts {
		if part == "#" {
			return true
		}
		if i >= len(topicParts) {
			return false
		}
		if part == "+" {
			continue
		}
		if part != topicParts[i] {
			return false
		}
	}

	return len(filterParts) == len(topicParts)
}

// SubjectToTopic converts a NATS subject to the '/'-delimited topic form
// used by pipeline filters.
func SubjectToTopic(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}
