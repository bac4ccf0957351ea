package contracts

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const carRegistryABIJSON = `[
  {
    "inputs": [{"internalType": "address", "name": "owner", "type": "address"}],
    "name": "balanceOf",
    "outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [
      {"internalType": "address", "name": "owner", "type": "address"},
      {"internalType": "uint256", "name": "index", "type": "uint256"}
    ],
    "name": "tokenOfOwnerByIndex",
    "outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [{"internalType": "uint256", "name": "tokenId", "type": "uint256"}],
    "name": "getCarDetails",
    "outputs": [
      {"internalType": "string", "name": "vin", "type": "string"},
      {"internalType": "string", "name": "make", "type": "string"},
      {"internalType": "string", "name": "model", "type": "string"},
      {"internalType": "uint16", "name": "year", "type": "uint16"},
      {"internalType": "string", "name": "color", "type": "string"},
      {"internalType": "uint256", "name": "mileage", "type": "uint256"}
    ],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "from", "type": "address"},
      {"indexed": true, "internalType": "address", "name": "to", "type": "address"},
      {"indexed": true, "internalType": "uint256", "name": "tokenId", "type": "uint256"}
    ],
    "name": "Transfer",
    "type": "event"
  }
]`

const maintenanceLogABIJSON = `[
  {
    "inputs": [{"internalType": "uint256", "name": "tokenId", "type": "uint256"}],
    "name": "getMaintenanceRecords",
    "outputs": [
      {
        "components": [
          {"internalType": "uint64", "name": "timestamp", "type": "uint64"},
          {"internalType": "uint256", "name": "mileage", "type": "uint256"},
          {"internalType": "string", "name": "serviceType", "type": "string"},
          {"internalType": "string", "name": "notes", "type": "string"}
        ],
        "internalType": "struct MaintenanceLog.Record[]",
        "name": "",
        "type": "tuple[]"
      }
    ],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "uint256", "name": "tokenId", "type": "uint256"},
      {"indexed": false, "internalType": "uint64", "name": "timestamp", "type": "uint64"},
      {"indexed": false, "internalType": "uint256", "name": "mileage", "type": "uint256"}
    ],
    "name": "MaintenanceRecorded",
    "type": "event"
  }
]`

const insurancePoolABIJSON = `[
  {
    "inputs": [{"internalType": "uint256", "name": "tokenId", "type": "uint256"}],
    "name": "getInsuranceDetails",
    "outputs": [
      {"internalType": "uint256", "name": "policyId", "type": "uint256"},
      {"internalType": "address", "name": "insurer", "type": "address"},
      {"internalType": "uint256", "name": "premium", "type": "uint256"},
      {"internalType": "uint256", "name": "coverage", "type": "uint256"},
      {"internalType": "uint64", "name": "expiresAt", "type": "uint64"},
      {"internalType": "bool", "name": "active", "type": "bool"}
    ],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "uint256", "name": "tokenId", "type": "uint256"},
      {"indexed": true, "internalType": "uint256", "name": "policyId", "type": "uint256"},
      {"indexed": false, "internalType": "address", "name": "insurer", "type": "address"}
    ],
    "name": "PolicyIssued",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "uint256", "name": "tokenId", "type": "uint256"},
      {"indexed": true, "internalType": "uint256", "name": "claimId", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "amount", "type": "uint256"}
    ],
    "name": "ClaimFiled",
    "type": "event"
  }
]`

var (
	carRegistryABI     abi.ABI
	carRegistryABIOnce sync.Once
	carRegistryABIErr  error

	maintenanceLogABI     abi.ABI
	maintenanceLogABIOnce sync.Once
	maintenanceLogABIErr  error

	insurancePoolABI     abi.ABI
	insurancePoolABIOnce sync.Once
	insurancePoolABIErr  error
)

// CarRegistryABI returns the parsed car NFT ABI.
func CarRegistryABI() (abi.ABI, error) {
	carRegistryABIOnce.Do(func() {
		carRegistryABI, carRegistryABIErr = abi.JSON(strings.NewReader(carRegistryABIJSON))
	})
	return carRegistryABI, carRegistryABIErr
}

// MaintenanceLogABI returns the parsed maintenance log ABI.
func MaintenanceLogABI() (abi.ABI, error) {
	maintenanceLogABIOnce.Do(func() {
		maintenanceLogABI, maintenanceLogABIErr = abi.JSON(strings.NewReader(maintenanceLogABIJSON))
	})
	return maintenanceLogABI, maintenanceLogABIErr
}

// InsurancePoolABI returns the parsed insurance pool ABI.
func InsurancePoolABI() (abi.ABI, error) {
	insurancePoolABIOnce.Do(func() {
		insurancePoolABI, insurancePoolABIErr = abi.JSON(strings.NewReader(insurancePoolABIJSON))
	})
	return insurancePoolABI, insurancePoolABIErr
}
