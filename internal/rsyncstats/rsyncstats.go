// Package rsyncstats carries the end-of-transfer statistics exchanged
// between client and server, and the local counters accumulated while a
// transfer runs.
package rsyncstats

import "github.com/rsync-ng/rsync/internal/rsyncwire"

// TransferStats mirrors the counters exchanged at the end
// of a session (client only) plus the locally accumulated counters used
// for reporting and tests.
type TransferStats struct {
	TotalBytesRead       int64
	TotalBytesWritten    int64
	TotalFileSize        int64
	FileListBuildTime    int64 // nanoseconds
	FileListTransferTime int64 // nanoseconds

	NumTransferredFiles int64
	TotalLiteralSize    int64
	TotalMatchedSize    int64
}

// WriteTo writes the five peer-exchanged counters onto conn, in the order
// the receiver expects them, each as a fixed 8-byte little-endian int64
// (not varint-encoded).
func (s *TransferStats) WriteTo(conn *rsyncwire.Conn) error {
	for _, v := range []int64{
		s.TotalBytesRead,
		s.TotalBytesWritten,
		s.TotalFileSize,
		s.FileListBuildTime,
		s.FileListTransferTime,
	} {
		if err := conn.WriteInt64(v); err != nil {
			return err
		}
	}
	return nil
}

// ReadFrom reads the five peer-exchanged counters off conn.
func (s *TransferStats) ReadFrom(conn *rsyncwire.Conn) error {
	vals := make([]int64, 5)
	for i := range vals {
		v, err := conn.ReadInt64()
		if err != nil {
			return err
		}
		vals[i] = v
	}
	s.TotalBytesRead = vals[0]
	s.TotalBytesWritten = vals[1]
	s.TotalFileSize = vals[2]
	s.FileListBuildTime = vals[3]
	s.FileListTransferTime = vals[4]
	return nil
}

// Add accumulates o's locally-tracked counters into s.
func (s *TransferStats) Add(o TransferStats) {
	s.NumTransferredFiles += o.NumTransferredFiles
	s.TotalLiteralSize += o.TotalLiteralSize
	s.TotalMatchedSize += o.TotalMatchedSize
}
