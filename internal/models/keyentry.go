package models

import (
	"fmt"
	"strconv"

	"github.com/goccy/go-json"
	"gorm.io/gorm"
)

// DRMType labels which backend produced a stored key.
type DRMType string

const (
	// DRMWidevine is the local Widevine CDM backend.
	DRMWidevine DRMType = "wv"
	// DRMPlayReady is the local PlayReady CDM backend.
	DRMPlayReady DRMType = "mspr"
	// DRMWatoraWidevine is the Watora remote Widevine proxy.
	DRMWatoraWidevine DRMType = "watora_wv"
	// DRMRemoteWidevine is the CDRM remote Widevine proxy.
	DRMRemoteWidevine DRMType = "cdrm_wv"
	// DRMRemotePlayReady is the CDRM remote PlayReady proxy.
	DRMRemotePlayReady DRMType = "cdrm_mspr"
)

// ValueType tags how KeyEntry.ValueData is serialized.
type ValueType string

const (
	// ValueString stores the raw string.
	ValueString ValueType = "str"
	// ValueInt stores a base-10 integer.
	ValueInt ValueType = "int"
	// ValueJSON stores a JSON document.
	ValueJSON ValueType = "json"
)

// KeyEntry is one row of the key vault: a PSSH mapped to its decryption
// key(s) and the DRM backend that produced them. One row per PSSH; storing
// again replaces the value and refreshes UpdatedAt.
type KeyEntry struct {
	ID        ULID    `gorm:"column:id;uniqueIndex" json:"id"`
	PSSH      string  `gorm:"primaryKey;column:pssh" json:"pssh"`
	ValueType string  `gorm:"column:value_type;not null" json:"value_type"`
	ValueData string  `gorm:"column:value_data;not null" json:"value_data"`
	DRMType   DRMType `gorm:"column:drm_type;size:20;index" json:"drm_type"`
	CreatedAt Time    `gorm:"column:createdAt" json:"created_at"`
	UpdatedAt Time    `gorm:"column:updatedAt" json:"updated_at"`
}

// TableName returns the table name for KeyEntry.
func (KeyEntry) TableName() string {
	return "key_vault"
}

// BeforeSave assigns the row id and refreshes UpdatedAt, standing in for
// the updatedAt trigger of the original schema. An upsert on an existing
// PSSH keeps the stored id: the conflict clause does not update it.
func (k *KeyEntry) BeforeSave(tx *gorm.DB) error {
	if k.ID.IsZero() {
		k.ID = NewULID()
	}
	k.UpdatedAt = Now()
	if k.CreatedAt.IsZero() {
		k.CreatedAt = k.UpdatedAt
	}
	return nil
}

// EncodeVaultValue serializes a vault value with a type tag so strings,
// integers, and JSON-encodable composites round-trip.
func EncodeVaultValue(v any) (ValueType, string, error) {
	switch t := v.(type) {
	case string:
		return ValueString, t, nil
	case int:
		return ValueInt, strconv.Itoa(t), nil
	case int64:
		return ValueInt, strconv.FormatInt(t, 10), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "", "", fmt.Errorf("encoding vault value: %w", err)
		}
		return ValueJSON, string(data), nil
	}
}

// DecodeVaultValue deserializes a tagged vault value.
func DecodeVaultValue(valueType ValueType, data string) (any, error) {
	switch valueType {
	case ValueString:
		return data, nil
	case ValueInt:
		n, err := strconv.ParseInt(data, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decoding vault int: %w", err)
		}
		return n, nil
	case ValueJSON:
		var v any
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			return nil, fmt.Errorf("decoding vault json: %w", err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown vault value type %q", valueType)
	}
}
