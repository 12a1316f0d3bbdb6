package rate

// Key constructors for the operations the engine throttles. Lookup and
// create are keyed per user, message operations per conversation, and the
// forced full refresh shares one global key.

func LookupKey(userID string) string { return "conversation_lookup:" + userID }

func CreateKey(userID string) string { return "conversation_create:" + userID }

func LoadKey(convID string) string { return "message_load:" + convID }

func SendKey(convID string) string { return "message_send:" + convID }

func SubscribeKey(convID string) string { return "subscribe:" + convID }

func RefreshKey() string { return "full_refresh" }
