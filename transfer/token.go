package transfer

import "time"

// TransferToken is the contract handed to a client when a transfer is
// granted. Tokens are values; block progress lives in the Transfer.
type TransferToken struct {
	TransferID     string
	ResourceID     string
	ResourceName   string
	ContentType    string
	ResourceLength int64
	CreationTime   time.Time
	// ExpirationTime is zero for tokens that never expire.
	ExpirationTime time.Time
	// ContentHash is empty unless requested.
	ContentHash string
}

// HasExpiration reports whether the token carries a deadline.
func (t TransferToken) HasExpiration() bool {
	return !t.ExpirationTime.IsZero()
}

// DownloadToken is issued by DownloadHandler.RequestToken.
type DownloadToken struct {
	TransferToken
	DownloadBlockSize int
	TotalBlockCount   int64
}

// UploadToken is issued by UploadHandler.RequestToken.
type UploadToken struct {
	TransferToken
	// MaxResourceSize bounds offset+length of every block.
	MaxResourceSize int64
	// MaxBlockSize is zero when blocks are not limited.
	MaxBlockSize int
}
