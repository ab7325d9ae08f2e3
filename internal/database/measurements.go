package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// maxMeasurementsPerStatement keeps one INSERT well below the 65535 bind parameter limit.
const maxMeasurementsPerStatement = 1000

// Measurement is one sensor reading.
type Measurement struct {
	SensorID   int64
	MeasuredAt time.Time
	Value      float64
}

// InsertMeasurements appends a batch of readings in a single transaction.
func (s *Session) InsertMeasurements(ctx context.Context, batch []Measurement) error {
	if len(batch) == 0 {
		return nil
	}
	return s.Do(ctx, func(conn *sql.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin measurement transaction: %w", err)
		}
		if err := insertMeasurements(ctx, tx, batch); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit measurements: %w", err)
		}
		return nil
	})
}

// insertMeasurements writes batch with multi-row INSERT statements.
func insertMeasurements(ctx context.Context, q Queryer, batch []Measurement) error {
	for start := 0; start < len(batch); start += maxMeasurementsPerStatement {
		end := start + maxMeasurementsPerStatement
		if end > len(batch) {
			end = len(batch)
		}
		chunk := batch[start:end]

		values := make([]string, 0, len(chunk))
		args := make([]any, 0, len(chunk)*3)
		argIdx := 1
		for _, m := range chunk {
			values = append(values, fmt.Sprintf("($%d, $%d, $%d)", argIdx, argIdx+1, argIdx+2))
			args = append(args, m.SensorID, m.MeasuredAt, m.Value)
			argIdx += 3
		}

		query := "INSERT INTO measurements_measurement (sensor_id, measured_at, value) VALUES " +
			strings.Join(values, ", ")
		if _, err := q.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to insert measurements %d-%d: %w", start, end, err)
		}
	}
	return nil
}
