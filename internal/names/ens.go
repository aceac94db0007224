package names

import (
	"context"
	"fmt"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const ensABIJSON = `[
 {"constant":true,"inputs":[{"name":"node","type":"bytes32"}],"name":"resolver","outputs":[{"name":"","type":"address"}],"type":"function","stateMutability":"view"},
 {"constant":true,"inputs":[{"name":"node","type":"bytes32"}],"name":"name","outputs":[{"name":"","type":"string"}],"type":"function","stateMutability":"view"},
 {"constant":true,"inputs":[{"name":"node","type":"bytes32"}],"name":"addr","outputs":[{"name":"","type":"address"}],"type":"function","stateMutability":"view"}
]`

var ensABI = mustParseABI(ensABIJSON)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Lookup resolves an address to its primary name. found=false with a nil
// error means the address has no name.
type Lookup interface {
	LookupAddress(ctx context.Context, addr string) (name string, found bool, err error)
}

// Namehash implements the ENS name hashing scheme.
func Namehash(name string) common.Hash {
	var node common.Hash
	name = strings.TrimSpace(name)
	if name == "" {
		return node
	}
	labels := strings.Split(name, ".")
	for i := len(labels) - 1; i >= 0; i-- {
		label := crypto.Keccak256([]byte(labels[i]))
		node = common.BytesToHash(crypto.Keccak256(node[:], label))
	}
	return node
}

// ReverseName returns <hex>.addr.reverse for addr.
func ReverseName(addr common.Address) string {
	return strings.ToLower(addr.Hex()[2:]) + ".addr.reverse"
}

// ENSLookup performs reverse resolution against the ENS registry and checks
// the forward record before trusting the name.
type ENSLookup struct {
	caller   ethereum.ContractCaller
	registry common.Address
	closer   func()
}

func NewENSLookup(caller ethereum.ContractCaller, registry common.Address) *ENSLookup {
	return &ENSLookup{caller: caller, registry: registry}
}

// DialENS connects to a JSON-RPC endpoint.
func DialENS(ctx context.Context, rpcURL string, registry string) (*ENSLookup, error) {
	if !common.IsHexAddress(registry) {
		return nil, fmt.Errorf("bad ens registry address: %s", registry)
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	l := NewENSLookup(client, common.HexToAddress(registry))
	l.closer = client.Close
	return l, nil
}

func (l *ENSLookup) Close() {
	if l != nil && l.closer != nil {
		l.closer()
	}
}

func (l *ENSLookup) LookupAddress(ctx context.Context, addr string) (string, bool, error) {
	if !common.IsHexAddress(addr) {
		return "", false, fmt.Errorf("bad address: %s", addr)
	}
	address := common.HexToAddress(addr)
	node := Namehash(ReverseName(address))
	resolver, err := l.resolverFor(ctx, node)
	if err != nil {
		return "", false, err
	}
	if resolver == (common.Address{}) {
		return "", false, nil
	}
	var name string
	if err := l.call(ctx, resolver, "name", node, &name); err != nil {
		return "", false, err
	}
	if name == "" {
		return "", false, nil
	}
	fwdNode := Namehash(name)
	fwdResolver, err := l.resolverFor(ctx, fwdNode)
	if err != nil {
		return "", false, err
	}
	if fwdResolver == (common.Address{}) {
		return "", false, nil
	}
	var fwd common.Address
	if err := l.call(ctx, fwdResolver, "addr", fwdNode, &fwd); err != nil {
		return "", false, err
	}
	if fwd != address {
		return "", false, nil
	}
	return name, true, nil
}

func (l *ENSLookup) resolverFor(ctx context.Context, node common.Hash) (common.Address, error) {
	var out common.Address
	if err := l.call(ctx, l.registry, "resolver", node, &out); err != nil {
		return common.Address{}, err
	}
	return out, nil
}

func (l *ENSLookup) call(ctx context.Context, to common.Address, method string, node common.Hash, out any) error {
	data, err := ensABI.Pack(method, node)
	if err != nil {
		return err
	}
	res, err := l.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return fmt.Errorf("ens %s: %w", method, err)
	}
	if len(res) == 0 {
		return fmt.Errorf("ens %s: empty result", method)
	}
	vals, err := ensABI.Unpack(method, res)
	if err != nil {
		return fmt.Errorf("ens %s: %w", method, err)
	}
	if len(vals) != 1 {
		return fmt.Errorf("ens %s: unexpected outputs", method)
	}
	switch dst := out.(type) {
	case *common.Address:
		v, ok := vals[0].(common.Address)
		if !ok {
			return fmt.Errorf("ens %s: unexpected output type", method)
		}
		*dst = v
	case *string:
		v, ok := vals[0].(string)
		if !ok {
			return fmt.Errorf("ens %s: unexpected output type", method)
		}
		*dst = v
	default:
		return fmt.Errorf("ens %s: unsupported output", method)
	}
	return nil
}
