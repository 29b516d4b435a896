package sink

import (
	"bytes"
	"context"
	"fmt"

	"github.com/parquet-go/parquet-go"
)

// EncodeFailuresParquet encodes failure documents as one parquet file for
// archival error outputs. Compression: "", "snappy", "gzip", "zstd".
func EncodeFailuresParquet(ctx context.Context, docs []FailureDocument, compression string) ([]byte, string, error) {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		default:
		}
	}

	output := &bytes.Buffer{}
	options := make([]parquet.WriterOption, 0, 1)

	switch compression {
	case "":
		// no compression
	case "snappy":
		options = append(options, parquet.Compression(&parquet.Snappy))
	case "gzip":
		options = append(options, parquet.Compression(&parquet.Gzip))
	case "zstd":
		options = append(options, parquet.Compression(&parquet.Zstd))
	default:
		return nil, "", fmt.Errorf("unsupported parquet compression: %q", compression)
	}

	w := parquet.NewGenericWriter[FailureDocument](output, options...)

	if _, err := w.Write(docs); err != nil {
		_ = w.Close()
		return nil, "", err
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}

	return output.Bytes(), "application/vnd.apache.parquet", nil
}
