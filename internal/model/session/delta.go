package session

// DeltaKind names a change fanned out to subscribers. The values double
// as push-channel event types.
type DeltaKind string

const (
	DeltaSessionCreated  DeltaKind = "sessionCreated"
	DeltaSessionUpdated  DeltaKind = "sessionUpdated"
	DeltaSessionDeleted  DeltaKind = "sessionDeleted"
	DeltaCharacterAdded  DeltaKind = "characterAdded"
	DeltaCharacterUpdate DeltaKind = "characterUpdated"
	DeltaCharacterRemove DeltaKind = "characterRemoved"
	DeltaMonsterAdded    DeltaKind = "monsterAdded"
	DeltaMonsterUpdated  DeltaKind = "monsterUpdated"
	DeltaMonsterRemoved  DeltaKind = "monsterRemoved"
	DeltaTokenMoved      DeltaKind = "tokenMoved"
	DeltaMapsChanged     DeltaKind = "mapsChanged"
	DeltaDiceRollLogged  DeltaKind = "diceRollLogged"
	DeltaSettingsUpdated DeltaKind = "settingsUpdated"
)

// Delta is an incremental change record. Deltas for one session carry
// strictly increasing revisions and are delivered to each subscriber in
// that order.
type Delta struct {
	SessionID string    `json:"sessionId"`
	Revision  int64     `json:"revision"`
	Kind      DeltaKind `json:"kind"`
	Payload   any       `json:"payload,omitempty"`
}

// TokenMovedPayload is the payload of a tokenMoved delta.
type TokenMovedPayload struct {
	Kind  TokenKind `json:"kind"`
	Token Token     `json:"token"`
}

// TokenRemovedPayload is the payload of character/monster removal deltas.
type TokenRemovedPayload struct {
	Kind    TokenKind `json:"kind"`
	TokenID string    `json:"tokenId"`
}
