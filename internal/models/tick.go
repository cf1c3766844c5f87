package models

// Tick is one top-of-book quote/trade sample. TS is epoch milliseconds UTC.
// The parquet tags fix the on-disk column names of segment files.
type Tick struct {
	TS        int64   `json:"ts" parquet:"ts"`
	Symbol    string  `json:"symbol" parquet:"symbol"`
	BidPrice  float64 `json:"bid_price" parquet:"bid_price"`
	BidSize   uint32  `json:"bid_size" parquet:"bid_size"`
	AskPrice  float64 `json:"ask_price" parquet:"ask_price"`
	AskSize   uint32  `json:"ask_size" parquet:"ask_size"`
	LastPrice float64 `json:"last_price" parquet:"last_price"`
	LastSize  uint32  `json:"last_size" parquet:"last_size"`
}
