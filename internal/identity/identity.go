package identity

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	hdwallet "github.com/miguelmota/go-ethereum-hdwallet"
)

// ErrNoKey 表示身份不持有私钥，无法签名。
var ErrNoKey = errors.New("identity: no signing key")

// Identity 为单个交易身份，构造后不再修改。
type Identity struct {
	Index           int
	DerivationIndex int
	Address         common.Address
	key             *ecdsa.PrivateKey
}

// NewIdentity 由私钥构造身份。
func NewIdentity(index, derivationIndex int, key *ecdsa.PrivateKey) Identity {
	id := Identity{Index: index, DerivationIndex: derivationIndex, key: key}
	if key != nil {
		id.Address = crypto.PubkeyToAddress(key.PublicKey)
	}
	return id
}

// Sign 使用 secp256k1 对 32 字节摘要签名，返回 65 字节 [R || S || V]。
func (i Identity) Sign(digest []byte) ([]byte, error) {
	if i.key == nil {
		return nil, ErrNoKey
	}
	return crypto.Sign(digest, i.key)
}

func (i Identity) String() string {
	return fmt.Sprintf("#%d(%s)", i.Index, i.Address.Hex())
}

// Deriver 按派生序号生成身份。
type Deriver interface {
	Derive(index int) (*ecdsa.PrivateKey, error)
}

// HDDeriver 基于主助记词的 BIP-44 派生。
type HDDeriver struct {
	wallet       *hdwallet.Wallet
	pathTemplate string
}

// NewHDDeriver 创建派生器，pathTemplate 需包含一个 %d。
func NewHDDeriver(mnemonic, pathTemplate string) (*HDDeriver, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if mnemonic == "" {
		return nil, errors.New("identity: 助记词不能为空")
	}
	if strings.Count(pathTemplate, "%d") != 1 {
		return nil, fmt.Errorf("identity: 派生路径模板非法 %q", pathTemplate)
	}

	wallet, err := hdwallet.NewFromMnemonic(mnemonic)
	if err != nil {
		return nil, fmt.Errorf("identity: 助记词非法: %w", err)
	}
	return &HDDeriver{wallet: wallet, pathTemplate: pathTemplate}, nil
}

// Derive 实现 Deriver。
func (d *HDDeriver) Derive(index int) (*ecdsa.PrivateKey, error) {
	raw := fmt.Sprintf(d.pathTemplate, index)
	path, err := hdwallet.ParseDerivationPath(raw)
	if err != nil {
		return nil, fmt.Errorf("identity: 派生路径 %q 非法: %w", raw, err)
	}
	account, err := d.wallet.Derive(path, false)
	if err != nil {
		return nil, fmt.Errorf("identity: 派生 %q 失败: %w", raw, err)
	}
	key, err := d.wallet.PrivateKey(account)
	if err != nil {
		return nil, fmt.Errorf("identity: 读取 %q 私钥失败: %w", raw, err)
	}
	return key, nil
}
