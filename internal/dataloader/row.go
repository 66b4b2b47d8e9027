package dataloader

import "time"

// parquetRow is the on-disk columnar shape of one analyzer row (§6.1). Field
// order here is the column order every monthly file and every Master Matrix
// write uses — it is a schema descriptor, not something inferred from data.
type parquetRow struct {
	Date       time.Time `parquet:"date"`
	Time       string    `parquet:"time"`
	Session    string    `parquet:"session"`
	Instrument string    `parquet:"instrument"`
	Stream     string    `parquet:"stream"`
	Direction  string    `parquet:"direction"`
	Result     string    `parquet:"result"`
	Target     float64   `parquet:"target"`
	Range      float64   `parquet:"range"`
	Peak       float64   `parquet:"peak"`
	Profit     float64   `parquet:"profit"`
	StopLoss   float64   `parquet:"stop_loss,optional"`
	ScfS1      float64   `parquet:"scf_s1,optional"`
	ScfS2      float64   `parquet:"scf_s2,optional"`
	Onr        float64   `parquet:"onr,optional"`
	OnrHigh    float64   `parquet:"onr_high,optional"`
	OnrLow     float64   `parquet:"onr_low,optional"`
}
