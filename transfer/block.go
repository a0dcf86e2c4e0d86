package transfer

import "io"

// DataBlockInfo describes one block without its payload. The ledger of a
// transfer keeps one entry per block number.
type DataBlockInfo struct {
	TransferID  string
	BlockNumber int64
	Offset      int64
	BlockLength int
	IsLastBlock bool
}

// BufferedDataBlock carries its payload in memory.
type BufferedDataBlock struct {
	DataBlockInfo
	Data []byte
}

// StreamedDataBlock carries its payload as a stream. Blocks returned by
// DownloadHandler.ReadBlockStreamed hold an io.ReadCloser the caller must
// close.
type StreamedDataBlock struct {
	DataBlockInfo
	Data io.Reader
}

// EffectiveBlockSize negotiates the download block size: the client's
// request, or defaultSize when the client asked for nothing, capped by
// maxSize when maxSize is positive.
func EffectiveBlockSize(clientRequested, defaultSize, maxSize int) int {
	size := defaultSize
	if clientRequested > 0 {
		size = clientRequested
	}
	if size <= 0 {
		size = DefaultBlockSize
	}
	if maxSize > 0 && size > maxSize {
		size = maxSize
	}
	return size
}

// TotalBlockCount returns ceil(length/blockSize).
func TotalBlockCount(length int64, blockSize int) int64 {
	if length <= 0 || blockSize <= 0 {
		return 0
	}
	b := int64(blockSize)
	return (length + b - 1) / b
}

// BlockRange returns the offset and length of block n of a resource. The
// last block holds the remainder.
func BlockRange(length int64, blockSize int, n int64) (offset int64, size int) {
	offset = n * int64(blockSize)
	remaining := length - offset
	if remaining < int64(blockSize) {
		return offset, int(remaining)
	}
	return offset, blockSize
}
