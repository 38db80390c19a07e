package mailbox

import "time"

// these mirror the MailHog v2 api responses, only the fields that are used
// are declared.

type searchResponse struct {
	Total int           `json:"total"`
	Count int           `json:"count"`
	Start int           `json:"start"`
	Items []messageItem `json:"items"`
}

type messageItem struct {
	ID      string         `json:"ID"`
	Created time.Time      `json:"Created"`
	Content messageContent `json:"Content"`
	Raw     messageRaw     `json:"Raw"`
}

type messageContent struct {
	Headers map[string][]string `json:"Headers"`
	Body    string              `json:"Body"`
}

type messageRaw struct {
	From string   `json:"From"`
	To   []string `json:"To"`
	Data string   `json:"Data"`
}
