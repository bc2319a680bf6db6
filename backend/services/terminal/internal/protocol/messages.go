package protocol

// Outbound commands understood by the dispenser controller.
const (
	CmdGetStatus          = "GET_STATUS"
	CmdSetTransactionData = "SET_TRANSACTION_DATA"
	CmdTransactionSuccess = "TRANSACTION_SUCCESS"
	CmdTransactionQueued  = "TRANSACTION_QUEUED"
	CmdTransactionError   = "TRANSACTION_ERROR"
	CmdTestData           = "TEST_DATA"
)

// Inbound tags.
const (
	TagVolume             = "bufvolume"
	TagStatus             = "STATUS"
	TagError              = "ERROR"
	TagSaleData           = "SALE_DATA"
	TagTransactionDataSet = "TRANSACTION_DATA_SET"
	TagAck                = "ACK"
)

// MaxVolumeLiters bounds a single volume reading; larger values are line noise.
const MaxVolumeLiters = 100000.0

// Kind discriminates decoded device messages.
type Kind string

const (
	KindVolume       Kind = "volume"
	KindStatusReport Kind = "statusReport"
	KindError        Kind = "error"
	KindAck          Kind = "ack"
	KindSaleData     Kind = "saleData"
	KindUnknown      Kind = "unknown"
)

// Message is one decoded device line. Only the fields of its Kind are set.
type Message struct {
	Kind Kind `json:"kind"`

	// volume, saleData
	Liters float64 `json:"liters,omitempty"`
	// saleData
	FuelType string  `json:"fuelType,omitempty"`
	Amount   float64 `json:"amount,omitempty"`
	// statusReport
	Fields map[string]any `json:"fields,omitempty"`
	// error
	Text string `json:"message,omitempty"`
	// ack
	ForCommand string `json:"forCommand,omitempty"`
	// unknown
	Raw string `json:"raw,omitempty"`
}

// Text is a scalar payload written verbatim after the colon.
type Text string

// TransactionData is the SET_TRANSACTION_DATA payload.
type TransactionData struct {
	FuelType      string  `json:"fuelType"`
	Liters        float64 `json:"liters"`
	PricePerLiter float64 `json:"pricePerLiter"`
	Amount        float64 `json:"amount"`
}

// TransactionSuccess is the TRANSACTION_SUCCESS payload.
type TransactionSuccess struct {
	TransactionID string `json:"transactionId"`
}

// TestData is the TEST_DATA diagnostics payload echoed by the dispenser.
type TestData struct {
	Seq  int64  `json:"seq"`
	Text string `json:"text"`
}

// SaleData is the inbound SALE_DATA payload.
type SaleData struct {
	FuelType string   `json:"fuelType"`
	Liters   *float64 `json:"liters"`
	Amount   float64  `json:"amount"`
}
