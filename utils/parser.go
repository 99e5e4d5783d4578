package utils

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/nova402/x402/types"
)

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	// Report JSON field names so decode errors point at the wire field.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})

	mustRegister("caip2", func(fl validator.FieldLevel) bool { return IsCAIP2(fl.Field().String()) })
	mustRegister("uint256", func(fl validator.FieldLevel) bool { return IsUint256(fl.Field().String()) })
	mustRegister("evmaddr", func(fl validator.FieldLevel) bool { return IsEVMAddress(fl.Field().String()) })
	mustRegister("bytes32hex", func(fl validator.FieldLevel) bool { return IsBytes32Hex(fl.Field().String()) })
	mustRegister("base58", func(fl validator.FieldLevel) bool { return IsBase58(fl.Field().String()) })
	mustRegister("scheme", func(fl validator.FieldLevel) bool {
		return types.PaymentScheme(fl.Field().String()).IsKnown()
	})
}

func mustRegister(tag string, fn validator.Func) {
	if err := validate.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("register %s validator: %v", tag, err))
	}
}

// Validator returns the shared struct validator with the protocol tags registered.
func Validator() *validator.Validate {
	return validate
}

// FieldPath converts a validator namespace ("PaymentHeader.payload.authorization.nonce")
// into the JSON path of the field ("payload.authorization.nonce").
func FieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

// ParsePaymentRequirements parses and validates PaymentRequirements from JSON
func ParsePaymentRequirements(data []byte) (*types.PaymentRequirements, error) {
	var req types.PaymentRequirements

	if err := json.Unmarshal(data, &req); err != nil {
		return nil, types.WrapError(types.ReasonInvalidConfiguration, err, "failed to parse payment requirements")
	}

	if err := validate.Struct(&req); err != nil {
		return nil, types.WrapError(types.ReasonInvalidConfiguration, err, "payment requirements validation failed")
	}

	return &req, nil
}

// ParseX402Config parses X402Config from JSON
func ParseX402Config(data []byte) (*types.X402Config, error) {
	var config types.X402Config

	if err := json.Unmarshal(data, &config); err != nil {
		return nil, types.WrapError(types.ReasonInvalidConfiguration, err, "failed to parse x402 config")
	}

	if err := ValidateX402Config(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// ValidateX402Config runs struct validation over a config built in code.
func ValidateX402Config(config *types.X402Config) error {
	if err := validate.Struct(config); err != nil {
		return types.WrapError(types.ReasonInvalidConfiguration, err, "config validation failed")
	}
	return nil
}

// LoadConfig reads a JSON config file (optional) and applies X402_* environment overrides.
func LoadConfig(path string) (*types.X402Config, error) {
	config := &types.X402Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, types.WrapError(types.ReasonInvalidConfiguration, err, "failed to read config file")
		}
		if err := json.Unmarshal(data, config); err != nil {
			return nil, types.WrapError(types.ReasonInvalidConfiguration, err, "failed to parse x402 config")
		}
	}

	if err := applyEnv(config); err != nil {
		return nil, err
	}

	if err := ValidateX402Config(config); err != nil {
		return nil, err
	}

	return config, nil
}

func applyEnv(config *types.X402Config) error {
	config.LogLevel = getEnv("X402_LOG_LEVEL", config.LogLevel)
	config.Facilitator.URL = getEnv("X402_FACILITATOR_URL", config.Facilitator.URL)
	config.Facilitator.Token = getEnv("X402_FACILITATOR_TOKEN", config.Facilitator.Token)
	config.Server.Addr = getEnv("X402_SERVER_ADDR", config.Server.Addr)
	config.Server.JWTSecret = getEnv("X402_JWT_SECRET", config.Server.JWTSecret)

	var err error
	if config.DefaultTimeout, err = getEnvDuration("X402_DEFAULT_TIMEOUT", config.DefaultTimeout); err != nil {
		return err
	}
	if config.Facilitator.Timeout, err = getEnvDuration("X402_FACILITATOR_TIMEOUT", config.Facilitator.Timeout); err != nil {
		return err
	}
	if config.RetryCount, err = getEnvInt("X402_RETRY_COUNT", config.RetryCount); err != nil {
		return err
	}
	if v, ok := os.LookupEnv("X402_ENABLE_METRICS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return types.WrapError(types.ReasonInvalidConfiguration, err, "X402_ENABLE_METRICS")
		}
		config.EnableMetrics = b
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return 0, types.WrapError(types.ReasonInvalidConfiguration, err, key)
	}
	return i, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, types.WrapError(types.ReasonInvalidConfiguration, err, key)
	}
	return d, nil
}
