// Package contracts carries the interface schemas of the factory and merchant contracts.
package contracts

import (
	"bytes"
	_ "embed"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const (
	MethodCreateMerchantContract = "createMerchantContract"
	MethodMerchantContracts      = "merchantContracts"

	EventMerchantContractCreated = "MerchantContractCreated"
)

var (
	//go:embed abi/PaymentFactory.json
	PaymentFactoryABI []byte

	//go:embed abi/MerchantContract.json
	MerchantContractABI []byte
)

// MerchantABIFilename is the name the merchant schema is offered under for download.
const MerchantABIFilename = "MerchantContractABI.json"

// ParseFactory parses the embedded factory ABI.
func ParseFactory() (abi.ABI, error) {
	return parse("PaymentFactory", PaymentFactoryABI)
}

// ParseMerchant parses the embedded merchant ABI.
func ParseMerchant() (abi.ABI, error) {
	return parse("MerchantContract", MerchantContractABI)
}

func parse(name string, raw []byte) (abi.ABI, error) {
	parsed, err := abi.JSON(bytes.NewReader(raw))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse %s abi: %w", name, err)
	}
	return parsed, nil
}
