package state

var (
	escrowDealPrefix      = []byte("escrow/deal/")
	escrowEventPrefix     = []byte("escrow/events/")
	escrowCustodyKeyBytes = []byte("escrow/custody")
	escrowNonceKeyBytes   = []byte("escrow/nonce")
	escrowHeadKeyBytes    = []byte("escrow/events/head")
)
