package utils

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/suite"
)

// JWTTestSuite JWT工具测试套件
type JWTTestSuite struct {
	suite.Suite
	manager *JWTManager
}

func (suite *JWTTestSuite) SetupTest() {
	suite.manager = NewJWTManager("test-secret-key", "bill-acceptor", time.Hour)
}

// 测试默认参数
func (suite *JWTTestSuite) TestNewJWTManager() {
	manager := NewJWTManager("secret", "", 0)
	suite.True(manager.Enabled())
	suite.Equal(DefaultTokenExpiry, manager.expiry)
	suite.Equal("bill-acceptor", manager.issuer)

	suite.False(NewJWTManager("", "", 0).Enabled())
	var nilManager *JWTManager
	suite.False(nilManager.Enabled())
}

// 测试生成并验证令牌
func (suite *JWTTestSuite) TestGenerateAndValidate() {
	token, err := suite.manager.GenerateToken("cashier-1", "control")
	suite.NoError(err)
	suite.NotEmpty(token)

	claims, err := suite.manager.ValidateToken(token)
	suite.NoError(err)
	suite.Equal("cashier-1", claims.Operator)
	suite.Equal("control", claims.Scope)
	suite.Equal("cashier-1", claims.Subject)
	suite.Equal("bill-acceptor", claims.Issuer)
}

// 测试未配置密钥时不能签发
func (suite *JWTTestSuite) TestGenerateWithoutSecret() {
	_, err := NewJWTManager("", "", 0).GenerateToken("op", "control")
	suite.Error(err)
}

// 测试错误密钥
func (suite *JWTTestSuite) TestValidateWrongSecret() {
	other := NewJWTManager("another-secret", "bill-acceptor", time.Hour)
	token, err := other.GenerateToken("op", "control")
	suite.NoError(err)

	_, err = suite.manager.ValidateToken(token)
	suite.Error(err)
}

// 测试签发方不符
func (suite *JWTTestSuite) TestValidateWrongIssuer() {
	other := NewJWTManager("test-secret-key", "someone-else", time.Hour)
	token, err := other.GenerateToken("op", "control")
	suite.NoError(err)

	_, err = suite.manager.ValidateToken(token)
	suite.Error(err)
}

// 测试过期令牌
func (suite *JWTTestSuite) TestValidateExpired() {
	past := time.Now().Add(-2 * time.Hour)
	claims := &JWTClaims{
		Operator: "op",
		Scope:    "control",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(past.Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(past),
			Issuer:    "bill-acceptor",
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret-key"))
	suite.NoError(err)

	_, err = suite.manager.ValidateToken(token)
	suite.ErrorIs(err, ErrExpiredToken)
}

// 测试非HMAC签名被拒绝
func (suite *JWTTestSuite) TestValidateNoneAlgorithm() {
	claims := &JWTClaims{Operator: "op", RegisteredClaims: jwt.RegisteredClaims{Issuer: "bill-acceptor"}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	suite.NoError(err)

	_, err = suite.manager.ValidateToken(token)
	suite.Error(err)
}

// 测试格式错误
func (suite *JWTTestSuite) TestValidateGarbage() {
	_, err := suite.manager.ValidateToken("not.a.token")
	suite.Error(err)
	_, err = suite.manager.ValidateToken("")
	suite.Error(err)
}

func TestJWTSuite(t *testing.T) {
	suite.Run(t, new(JWTTestSuite))
}
