// Package tables defines the structured-record vocabulary produced by
// vision extraction: table types, normalized field values and the
// per-type datasets handed back at the end of a run.
package tables

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Type is a category of data table found on the site.
type Type string

const (
	TypeHandgun         Type = "handgun"
	TypeShotgun         Type = "shotgun"
	TypeAutomaticWeapon Type = "automatic weapon"
	TypeHeavyWeapon     Type = "heavy weapon"
	TypeVehicle         Type = "vehicle"
	TypeAction          Type = "action"
	TypeUnknown         Type = "unknown"
)

// AllTypes lists every concrete table type, unknown excluded.
func AllTypes() []Type {
	return []Type{
		TypeHandgun,
		TypeShotgun,
		TypeAutomaticWeapon,
		TypeHeavyWeapon,
		TypeVehicle,
		TypeAction,
	}
}

// ParseType maps free-form type text coming out of the inference
// response onto the fixed vocabulary. Unrecognized text yields
// TypeUnknown rather than an error.
func ParseType(s string) Type {
	normalized := strings.Join(strings.Fields(strings.ToLower(s)), " ")
	normalized = strings.ReplaceAll(normalized, "_", " ")
	normalized = strings.ReplaceAll(normalized, "-", " ")

	switch normalized {
	case "handgun", "handguns", "pistol", "pistols":
		return TypeHandgun
	case "shotgun", "shotguns":
		return TypeShotgun
	case "automatic weapon", "automatic weapons", "automatic", "smg", "rifle", "rifles":
		return TypeAutomaticWeapon
	case "heavy weapon", "heavy weapons", "heavy":
		return TypeHeavyWeapon
	case "vehicle", "vehicles", "car", "cars":
		return TypeVehicle
	case "action", "actions":
		return TypeAction
	}
	return TypeUnknown
}

// Authorization is the canonical token for the permission column.
type Authorization string

const (
	Authorized               Authorization = "authorized"
	Forbidden                Authorization = "forbidden"
	AuthorizationUnspecified Authorization = "unspecified"
)

// Price is an integer amount, or PriceUnspecified when the source text
// could not be parsed as a number. It serializes as either a number or
// the literal string "unspecified".
type Price int

const PriceUnspecified Price = -1

func (p Price) MarshalJSON() ([]byte, error) {
	if p == PriceUnspecified {
		return json.Marshal("unspecified")
	}
	return json.Marshal(int(p))
}

func (p *Price) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*p = Price(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s != string(AuthorizationUnspecified) {
		return fmt.Errorf("invalid price %q", s)
	}
	*p = PriceUnspecified
	return nil
}

// Record is one validated row extracted from a table image. Extra
// holds per-type columns (ammo, capacity, seats) that do not warrant
// their own field.
type Record struct {
	Name          string            `json:"name"`
	Type          Type              `json:"type"`
	Price         Price             `json:"price"`
	Authorization Authorization     `json:"authorization"`
	Extra         map[string]string `json:"extra,omitempty"`
	SourceHash    string            `json:"source_hash,omitempty"`
}

// Dataset is the ordered record collection for one table type.
type Dataset struct {
	Type    Type     `json:"type"`
	Records []Record `json:"records"`
}
