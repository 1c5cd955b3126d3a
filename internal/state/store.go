package state

// Store bundles the shared containers handed to the event router.
type Store struct {
	Sessions      *Registry
	Conversations *Conversations
	Uploads       *Ledger
}

// NewStore creates empty containers with the relay's id prefixes.
func NewStore() *Store {
	return &Store{
		Sessions:      NewRegistry(NewIDGenerator("inv")),
		Conversations: NewConversations(NewIDGenerator("msg")),
		Uploads:       NewLedger(NewIDGenerator("file")),
	}
}

// Stats is the payload of the stats endpoint.
type Stats struct {
	TotalInvestors  int `json:"totalInvestors"`
	TotalFiles      int `json:"totalFiles"`
	OnlineInvestors int `json:"onlineInvestors"`
}

// Stats counts sessions and uploads. Each count is a consistent snapshot of
// its own store; the two are not taken under one lock.
func (s *Store) Stats() Stats {
	total, online := s.Sessions.Counts()
	return Stats{
		TotalInvestors:  total,
		TotalFiles:      s.Uploads.Len(),
		OnlineInvestors: online,
	}
}
