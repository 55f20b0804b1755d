package stream

// Redis key layout, one namespace per task:
//
//	task:{id}          JSON task snapshot, TTL-bounded
//	task:{id}:seq      sequence counter, same TTL
//	task:{id}:stream   event log (stream entry ID "<sequence>-0"), length- and TTL-bounded
//	subscriptions:{id} sorted set of subscribers, score = expiry unix seconds
//	channel:task:{id}  pub/sub channel for live fan-out, no retention

const (
	taskKeyPrefix       = "task:"
	seqKeySuffix        = ":seq"
	streamKeySuffix     = ":stream"
	subscriptionsPrefix = "subscriptions:"
	channelPrefix       = "channel:task:"
)

func taskKey(taskID string) string      { return taskKeyPrefix + taskID }
func seqKey(taskID string) string       { return taskKeyPrefix + taskID + seqKeySuffix }
func streamKey(taskID string) string    { return taskKeyPrefix + taskID + streamKeySuffix }
func subscriptionsKey(id string) string { return subscriptionsPrefix + id }
func channelKey(taskID string) string   { return channelPrefix + taskID }
