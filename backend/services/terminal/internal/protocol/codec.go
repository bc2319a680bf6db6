package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInvalidCommand is returned by Encode for tags that would break framing.
var ErrInvalidCommand = errors.New("protocol: invalid command")

// ParseError describes a line that could not be decoded into a known message.
type ParseError struct {
	Raw    string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("protocol: %s: %q", e.Reason, e.Raw)
}

// Encode frames a command. Nil args produce "CMD\n", Text args "CMD:text\n",
// anything else "CMD:<json>\n".
func Encode(command string, args any) (string, error) {
	command = strings.TrimSpace(command)
	if command == "" || strings.ContainsAny(command, ":\r\n") {
		return "", fmt.Errorf("%w: %q", ErrInvalidCommand, command)
	}

	switch v := args.(type) {
	case nil:
		return command + "\n", nil
	case Text:
		return command + ":" + flatten(string(v)) + "\n", nil
	default:
		body, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("protocol: encode %s: %w", command, err)
		}
		return command + ":" + string(body) + "\n", nil
	}
}

func flatten(s string) string {
	return strings.Join(strings.Fields(strings.NewReplacer("\r", " ", "\n", " ").Replace(s)), " ")
}

// Decode turns a raw line into a Message. Anything it cannot make sense of
// becomes KindUnknown; it never fails.
func Decode(raw string) Message {
	msg, _ := Parse(raw)
	return msg
}

// Parse is Decode that also reports why a line decoded to KindUnknown.
func Parse(raw string) (Message, error) {
	line := strings.TrimSpace(raw)
	tag, payload, _ := strings.Cut(line, ":")
	tag = strings.TrimSpace(tag)
	payload = strings.TrimSpace(payload)

	unknown := func(reason string) (Message, error) {
		return Message{Kind: KindUnknown, Raw: line}, &ParseError{Raw: line, Reason: reason}
	}

	switch {
	case tag == "":
		return unknown("empty line")
	case strings.EqualFold(tag, TagVolume):
		liters, err := parseVolume(payload)
		if err != nil {
			return unknown(err.Error())
		}
		return Message{Kind: KindVolume, Liters: liters}, nil
	case tag == TagStatus:
		fields, err := decodePayload[map[string]any](payload)
		if err != nil || fields == nil {
			return unknown("status payload is not a json object")
		}
		return Message{Kind: KindStatusReport, Fields: fields}, nil
	case tag == TagError:
		return Message{Kind: KindError, Text: payload}, nil
	case tag == TagSaleData:
		sale, err := decodePayload[SaleData](payload)
		if err != nil {
			return unknown("sale data payload is not valid json")
		}
		if sale.Liters == nil || !validLiters(*sale.Liters) {
			return unknown("sale data volume out of range")
		}
		return Message{Kind: KindSaleData, FuelType: strings.TrimSpace(sale.FuelType), Liters: *sale.Liters, Amount: sale.Amount}, nil
	case tag == TagAck:
		if payload == "" {
			return unknown("ack without command")
		}
		return Message{Kind: KindAck, ForCommand: payload}, nil
	case strings.HasSuffix(tag, "_SET") && len(tag) > len("_SET"):
		return Message{Kind: KindAck, ForCommand: ackedCommand(tag)}, nil
	default:
		return unknown("unknown tag")
	}
}

// ackedCommand maps a confirmation tag to the command it confirms:
// TRANSACTION_DATA_SET confirms SET_TRANSACTION_DATA.
func ackedCommand(tag string) string {
	return "SET_" + strings.TrimSuffix(tag, "_SET")
}

func parseVolume(payload string) (float64, error) {
	if !isPlainDecimal(payload) {
		return 0, errors.New("volume is not a decimal number")
	}
	if !strings.Contains(payload, ".") {
		payload = strings.Replace(payload, ",", ".", 1)
	}
	liters, err := strconv.ParseFloat(payload, 64)
	if err != nil {
		return 0, errors.New("volume is not a decimal number")
	}
	if !validLiters(liters) {
		return 0, errors.New("volume out of range")
	}
	return liters, nil
}

// isPlainDecimal accepts digits with at most one '.' or ',' separator.
// It rejects signs, exponents, hex and the inf/nan spellings strconv would take.
func isPlainDecimal(s string) bool {
	digits, seps := 0, 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '.' || r == ',':
			seps++
		default:
			return false
		}
	}
	return digits > 0 && seps <= 1
}

func validLiters(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0 && v <= MaxVolumeLiters
}

// decodePayload convenience helper for JSON payloads.
func decodePayload[T any](payload string) (T, error) {
	var target T
	if err := json.Unmarshal([]byte(payload), &target); err != nil {
		var zero T
		return zero, err
	}
	return target, nil
}
