package transfer

import "time"

// DefaultBlockSize is the download block size used when nothing else is
// configured.
const DefaultBlockSize = 32 * 1024

// DefaultWriteChunkSize is the block size WriteFile uses by default.
const DefaultWriteChunkSize = 64 * 1024

// Settings configures both handlers.
type Settings struct {
	// DefaultDownloadBlockSize applies when the client requests no size.
	DefaultDownloadBlockSize int
	// MaxDownloadBlockSize caps negotiated block sizes. Zero means no cap.
	MaxDownloadBlockSize int
	// MaxUploadBlockSize is copied into every UploadToken. Zero means no cap.
	MaxUploadBlockSize int
	// MaxUploadFileSize rejects larger upload requests. Zero means no cap.
	MaxUploadFileSize int64
	// DownloadTokenLifetime and UploadTokenLifetime set token and lock
	// expiration. Zero disables expiration.
	DownloadTokenLifetime time.Duration
	UploadTokenLifetime   time.Duration
	// AutoCloseDownloads completes a download once its last block is read.
	AutoCloseDownloads bool
	// WriteChunkSize is the block size of WriteFile uploads.
	WriteChunkSize int
	// StreamBytesPerSecond throttles whole-file download streams. Zero
	// disables throttling.
	StreamBytesPerSecond int
	// MaxBackgroundCopies bounds concurrent ReadFileAsync/WriteFileAsync
	// workers per handler.
	MaxBackgroundCopies int64
}

// DefaultSettings returns the settings used when none are given.
func DefaultSettings() Settings {
	return Settings{
		DefaultDownloadBlockSize: DefaultBlockSize,
		MaxDownloadBlockSize:     1024 * 1024,
		MaxUploadBlockSize:       1024 * 1024,
		MaxUploadFileSize:        0,
		DownloadTokenLifetime:    30 * time.Minute,
		UploadTokenLifetime:      30 * time.Minute,
		AutoCloseDownloads:       true,
		WriteChunkSize:           DefaultWriteChunkSize,
		StreamBytesPerSecond:     0,
		MaxBackgroundCopies:      4,
	}
}

func (s Settings) writeChunkSize(maxBlockSize int) int {
	size := s.WriteChunkSize
	if size <= 0 {
		size = DefaultWriteChunkSize
	}
	if maxBlockSize > 0 && size > maxBlockSize {
		size = maxBlockSize
	}
	return size
}

func (s Settings) backgroundCopies() int64 {
	if s.MaxBackgroundCopies <= 0 {
		return 1
	}
	return s.MaxBackgroundCopies
}
