package history

import (
	"fmt"
	"os"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

type parquetRow struct {
	ID        int64  `parquet:"name=id, type=INT64"`
	Type      string `parquet:"name=type, type=UTF8, encoding=PLAIN_DICTIONARY"`
	IntentID  string `parquet:"name=intent_id, type=UTF8, encoding=PLAIN_DICTIONARY"`
	CounterID string `parquet:"name=counter_id, type=UTF8, encoding=PLAIN_DICTIONARY"`
	TradeID   string `parquet:"name=trade_id, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Channel   string `parquet:"name=channel, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Actor     string `parquet:"name=actor, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Pair      string `parquet:"name=pair, type=UTF8, encoding=PLAIN_DICTIONARY"`
	At        string `parquet:"name=at, type=UTF8, encoding=PLAIN_DICTIONARY"`
}

// ExportParquet writes events to path as a snappy-compressed parquet file.
func ExportParquet(path string, events []Event) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("history: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("history: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, ev := range events {
		row := &parquetRow{
			ID:        int64(ev.ID),
			Type:      string(ev.Type),
			IntentID:  ev.IntentID,
			CounterID: ev.CounterID,
			TradeID:   ev.TradeID,
			Channel:   ev.Channel,
			Actor:     ev.Actor,
			Pair:      ev.Pair,
			At:        ev.At.UTC().Format(time.RFC3339),
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("history: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("history: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("history: close parquet file: %w", err)
	}
	return nil
}
